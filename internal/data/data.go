package data

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/conf"
	"github.com/anthropics/feishu-relay/internal/infra/feishu"
	"github.com/anthropics/feishu-relay/internal/infra/lock"
	"github.com/anthropics/feishu-relay/internal/infra/slack"
)

// Repositories contains all repositories
type Repositories struct {
	Store     repo.Store
	Platform  repo.PlatformRepo
	Generator repo.GeneratorRepo
	Locker    repo.Locker

	closers []io.Closer
}

// NewRepositories creates all repositories from configuration
func NewRepositories(ctx context.Context, cfg *conf.Config, log zerolog.Logger) (*Repositories, error) {
	store, err := NewStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	r := &Repositories{Store: store, closers: []io.Closer{store}}

	locker, err := NewLocker(ctx, cfg, log)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.Locker = locker
	if c, ok := locker.(io.Closer); ok {
		r.closers = append(r.closers, c)
	}

	if r.Platform, err = NewPlatform(cfg, log); err != nil {
		r.Close()
		return nil, err
	}
	if r.Generator, err = NewGenerator(cfg); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Close releases store and lock connections
func (r *Repositories) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// NewStore opens the configured queue store
func NewStore(ctx context.Context, cfg *conf.Config, log zerolog.Logger) (repo.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return NewPostgresStore(ctx, cfg.Store.DatabaseURL, log)
	case "sqlite", "":
		return NewSQLiteStore(cfg.Store.Path, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// NewLocker creates the configured mutual-exclusion lock
func NewLocker(ctx context.Context, cfg *conf.Config, log zerolog.Logger) (repo.Locker, error) {
	opts := lock.Options{
		MaxHold:     cfg.Lock.MaxHold,
		WaitTimeout: cfg.Lock.WaitTimeout,
	}
	switch cfg.Lock.Backend {
	case "redis":
		return lock.NewRedisLock(ctx, cfg.Lock.RedisURL, cfg.Lock.RedisKey, opts, log)
	case "file", "":
		return lock.NewFileLock(cfg.Lock.Path, opts, log)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

// NewPlatform creates the configured chat platform
func NewPlatform(cfg *conf.Config, log zerolog.Logger) (repo.PlatformRepo, error) {
	downloads := filepath.Join(cfg.StateDir, "attachments")
	switch cfg.Platform.Kind {
	case "slack":
		client := slack.NewClient(cfg.Platform.Slack.Token, cfg.Platform.Slack.APIURL, log)
		client.SetDownloadDir(downloads)
		return NewSlackPlatform(client), nil
	case "feishu", "":
		f := cfg.Platform.Feishu
		client := feishu.NewClient(f.AppID, f.AppSecret, f.BaseURL, log)
		client.SetDownloadDir(downloads)
		return NewFeishuPlatform(client), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", cfg.Platform.Kind)
	}
}

// NewGenerator creates the configured generation backend
func NewGenerator(cfg *conf.Config) (repo.GeneratorRepo, error) {
	var system string
	if cfg.Prompts != nil {
		system = cfg.Prompts.Generation.SystemPrompt
	}

	g := cfg.Generator
	switch g.Backend {
	case "anthropic":
		return NewAnthropicGenerator(AnthropicConfig{
			APIKey:       g.Anthropic.APIKey,
			BaseURL:      g.Anthropic.BaseURL,
			Model:        g.Anthropic.Model,
			SystemPrompt: system,
			MaxTokens:    g.Anthropic.MaxTokens,
		}), nil
	case "command":
		return NewCommandGenerator(CommandConfig{
			Path:      g.Command.Path,
			Args:      g.Command.Args,
			WorkDir:   g.Command.WorkDir,
			ImageFlag: g.Command.ImageFlag,
		}), nil
	case "openai", "":
		return NewOpenAIGenerator(OpenAIConfig{
			APIKey:       g.OpenAI.APIKey,
			BaseURL:      g.OpenAI.BaseURL,
			Model:        g.OpenAI.Model,
			SystemPrompt: system,
			MaxTokens:    g.OpenAI.MaxTokens,
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator backend %q", g.Backend)
	}
}
