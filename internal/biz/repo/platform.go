package repo

import (
	"context"
	"time"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
)

// PlatformRepo is the chat platform interface.
// Rate-limit rejections wrap domain.ErrRateLimited.
type PlatformRepo interface {
	// Name returns the platform name for logs
	Name() string

	// BotID returns the identity the platform assigns to our own messages
	BotID(ctx context.Context) (string, error)

	// ListChannels lists chats visible to the bot
	ListChannels(ctx context.Context) ([]domain.Channel, error)

	// History returns messages in a channel newer than since, oldest first
	History(ctx context.Context, channelID string, since time.Time) ([]domain.Message, error)

	// Post sends text to a channel, inside threadID when set, and returns the posted message id
	Post(ctx context.Context, channelID, threadID, text string) (string, error)

	// ResolveAttachment downloads an attachment referenced by a message
	ResolveAttachment(ctx context.Context, messageID, ref string) (*domain.Attachment, error)
}
