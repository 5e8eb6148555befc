package data

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
)

// generationError wraps a backend failure, mapping deadline expiry to domain.ErrTimeout
func generationError(ctx context.Context, backend string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return &domain.GenerationError{Backend: backend, Err: err}
}

// encodeAttachment reads an image attachment as base64 with its media type
func encodeAttachment(att domain.Attachment) (string, string, error) {
	data, err := os.ReadFile(att.Path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read attachment %s: %w", att.Ref, err)
	}
	mediaType := att.MimeType
	if mediaType == "" {
		mediaType = mime.TypeByExtension(filepath.Ext(att.Path))
	}
	if mediaType == "" {
		mediaType = "image/png"
	}
	return base64.StdEncoding.EncodeToString(data), mediaType, nil
}
