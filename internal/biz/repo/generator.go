package repo

import (
	"context"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
)

// GeneratorRepo is the generation step. Backends are interchangeable.
// A call that exceeds its deadline fails with an error wrapping domain.ErrTimeout.
type GeneratorRepo interface {
	Name() string
	Generate(ctx context.Context, prompt string, attachments []domain.Attachment) (string, error)
}
