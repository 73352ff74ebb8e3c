// Package llm issues model requests against an ordered set of credentials,
// failing over to the next credential only on transient provider errors.
package llm

import (
	"context"
	"log/slog"
)

// Role identifies the author of a history message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one prior turn sent as history.
type Message struct {
	Role Role
	Text string
}

// Media is an inline attachment sent with the user content.
type Media struct {
	MIMEType string
	Data     []byte
}

// Request is one logical model call.
type Request struct {
	SystemInstruction string
	History           []Message
	Text              string
	Media             []Media
	MaxOutputTokens   int
}

// Backend performs a single request with one credential. Errors should be
// *Error values so the invoker can tell transient from fatal failures.
type Backend interface {
	Generate(ctx context.Context, credential string, req *Request) (string, error)
}

// Invoker runs requests with sequential credential failover.
type Invoker struct {
	backend     Backend
	credentials []string
	logger      *slog.Logger
}

// NewInvoker creates an invoker. Credential order is failover priority.
func NewInvoker(backend Backend, credentials []string, logger *slog.Logger) (*Invoker, error) {
	if len(credentials) == 0 {
		return nil, ErrNoCredentials
	}
	if logger == nil {
		logger = slog.Default()
	}
	creds := make([]string, len(credentials))
	copy(creds, credentials)
	return &Invoker{
		backend:     backend,
		credentials: creds,
		logger:      logger.With("component", "llm"),
	}, nil
}

// Credentials returns the number of configured credentials.
func (i *Invoker) Credentials() int { return len(i.credentials) }

// Invoke tries each credential in order, one request at a time. It returns
// the first success; a non-transient error is returned unchanged without
// trying further credentials. When every credential fails transiently the
// result is an *ExhaustedError carrying the last failure.
func (i *Invoker) Invoke(ctx context.Context, req *Request) (string, error) {
	var lastErr error
	for idx, cred := range i.credentials {
		text, err := i.backend.Generate(ctx, cred, req)
		if err == nil {
			if idx > 0 {
				i.logger.Info("model request succeeded on fallback credential", "credential", idx+1)
			}
			return text, nil
		}

		kind := KindOf(err)
		if kind != KindTransient {
			i.logger.Warn("model request failed, not retrying",
				"credential", idx+1,
				"kind", kind.String(),
				"error", err,
			)
			return "", err
		}

		lastErr = err
		i.logger.Warn("transient model failure, trying next credential",
			"credential", idx+1,
			"of", len(i.credentials),
			"error", err,
		)
	}

	return "", &ExhaustedError{Attempts: len(i.credentials), Last: lastErr}
}
