package data

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
)

// CommandConfig configures a CLI generation backend such as `codex exec`
type CommandConfig struct {
	Path      string
	Args      []string
	WorkDir   string
	ImageFlag string // Flag preceding each attachment path, attachments are dropped when empty
}

// commandGenerator runs a CLI once per prompt. The prompt is written to stdin and
// the reply is read from stdout.
type commandGenerator struct {
	cfg CommandConfig
}

// NewCommandGenerator creates a subprocess generator
func NewCommandGenerator(cfg CommandConfig) repo.GeneratorRepo {
	return &commandGenerator{cfg: cfg}
}

func (g *commandGenerator) Name() string { return "command" }

func (g *commandGenerator) Generate(ctx context.Context, prompt string, attachments []domain.Attachment) (string, error) {
	args := append([]string{}, g.cfg.Args...)
	if g.cfg.ImageFlag != "" {
		for _, att := range attachments {
			args = append(args, g.cfg.ImageFlag, att.Path)
		}
	}

	cmd := exec.CommandContext(ctx, g.cfg.Path, args...)
	cmd.Dir = g.cfg.WorkDir
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", generationError(ctx, g.Name(), ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 500 {
			detail = detail[:500]
		}
		return "", &domain.GenerationError{Backend: g.Name(), Err: fmt.Errorf("%s: %w: %s", g.cfg.Path, err, detail)}
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", &domain.GenerationError{Backend: g.Name(), Err: errors.New("empty output")}
	}
	return out, nil
}
