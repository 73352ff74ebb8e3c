package bot

import (
	"fmt"
	"log/slog"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/content"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/llm"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/memory"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/titles"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/wiki"
)

// Components are the concrete collaborators built from a Config.
type Components struct {
	Wiki     *wiki.Client
	Resolver *titles.Resolver
	Fetcher  *content.Fetcher
	Memory   *memory.Store
	// Invoker is nil when no model credentials are configured.
	Invoker *llm.Invoker
}

// Deps returns the components as bot dependencies.
func (c *Components) Deps() Deps {
	d := Deps{
		Wiki:     c.Wiki,
		Resolver: c.Resolver,
		Fetcher:  c.Fetcher,
		Memory:   c.Memory,
	}
	if c.Invoker != nil {
		d.Model = c.Invoker
	}
	return d
}

// Build constructs every component from cfg. Credentials must already be
// resolved into cfg.Model.APIKeys (see ResolveAPIKeys).
func Build(cfg *Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := wiki.New(cfg.Wiki, logger)
	if err != nil {
		return nil, fmt.Errorf("creating wiki client: %w", err)
	}

	if cfg.Memory.PersistTurns != cfg.Memory.MaxTurns {
		logger.Warn("memory caps differ: the persisted window is not the in-memory window",
			"max_turns", cfg.Memory.MaxTurns,
			"persist_turns", cfg.Memory.PersistTurns,
		)
	}
	store, err := memory.Open(memory.Config{
		Path:         cfg.Memory.Path,
		MaxTurns:     cfg.Memory.MaxTurns,
		PersistTurns: cfg.Memory.PersistTurns,
		BotName:      cfg.Name,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening memory: %w", err)
	}

	c := &Components{
		Wiki:     client,
		Resolver: titles.NewResolver(client, cfg.Wiki.Namespaces, logger),
		Fetcher:  content.NewFetcher(client, logger),
		Memory:   store,
	}

	if len(cfg.Model.APIKeys) > 0 {
		inv, err := llm.NewInvoker(llm.NewGemini(cfg.Model.Name, logger), cfg.Model.APIKeys, logger)
		if err != nil {
			return nil, fmt.Errorf("creating model invoker: %w", err)
		}
		c.Invoker = inv
	} else {
		logger.Warn("model disabled: no credentials configured")
	}
	return c, nil
}
