package bot

import (
	"context"
	"sync"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
)

// chatQueues runs each chat's messages one at a time in arrival order.
// Different chats proceed in parallel.
type chatQueues struct {
	mu sync.Mutex
	// pending holds the messages waiting per chat. A key is present while
	// that chat's worker is running, even when its list is empty.
	pending map[string][]*channels.IncomingMessage
}

func newChatQueues() *chatQueues {
	return &chatQueues{pending: make(map[string][]*channels.IncomingMessage)}
}

// push enqueues msg and reports whether the chat needs a new worker.
func (q *chatQueues) push(msg *channels.IncomingMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	list, running := q.pending[msg.ChatID]
	q.pending[msg.ChatID] = append(list, msg)
	return !running
}

// pop returns the next message for chatID. When the list is empty it
// retires the worker and returns false.
func (q *chatQueues) pop(chatID string) (*channels.IncomingMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.pending[chatID]
	if len(list) == 0 {
		delete(q.pending, chatID)
		return nil, false
	}
	msg := list[0]
	list[0] = nil
	q.pending[chatID] = list[1:]
	return msg, true
}

// dispatch queues msg behind earlier messages of its chat, starting the
// chat's worker when none is running.
func (b *Bot) dispatch(ctx context.Context, msg *channels.IncomingMessage, wg *sync.WaitGroup) {
	if !b.queues.push(msg) {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			next, ok := b.queues.pop(msg.ChatID)
			if !ok {
				return
			}
			b.HandleMessage(ctx, next)
		}
	}()
}
