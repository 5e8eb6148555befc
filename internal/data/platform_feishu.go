package data

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/feishu"
)

// feishuPlatform implements the platform repository over the Feishu IM API
type feishuPlatform struct {
	client *feishu.Client
}

// NewFeishuPlatform creates a Feishu platform repository
func NewFeishuPlatform(client *feishu.Client) repo.PlatformRepo {
	return &feishuPlatform{client: client}
}

func (p *feishuPlatform) Name() string { return "feishu" }

// BotID is the app id, which Feishu reports as the sender of the bot's own messages
func (p *feishuPlatform) BotID(ctx context.Context) (string, error) {
	return p.client.AppID(), nil
}

func (p *feishuPlatform) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	chats, err := p.client.ListChats(ctx)
	if err != nil {
		return nil, wrapFeishuError(err)
	}
	channels := make([]domain.Channel, 0, len(chats))
	for _, c := range chats {
		channels = append(channels, domain.Channel{ID: c.ChatID, Name: c.Name})
	}
	return channels, nil
}

func (p *feishuPlatform) History(ctx context.Context, channelID string, since time.Time) ([]domain.Message, error) {
	msgs, err := p.client.ListMessages(ctx, channelID, since)
	if err != nil {
		return nil, wrapFeishuError(err)
	}

	result := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, feishuToDomain(m))
	}
	return result, nil
}

func feishuToDomain(m *feishu.Message) domain.Message {
	createTime := time.Now()
	if m.CreateTime > 0 {
		createTime = time.UnixMilli(m.CreateTime)
	}
	return domain.Message{
		ID:          m.MsgID,
		ChannelID:   m.ChatID,
		ThreadID:    m.RootID,
		AuthorID:    m.SenderID,
		IsBot:       m.SenderType == "app",
		Text:        m.Content,
		Attachments: m.ImageKeys,
		MentionsBot: m.MentionsBot,
		CreateTime:  createTime,
	}
}

// Post replies inside threadID (a root message id) or creates a top-level message.
// The request uuid is derived from the target and text so a repost after a crash is
// collapsed by Feishu instead of producing a second reply.
func (p *feishuPlatform) Post(ctx context.Context, channelID, threadID, text string) (string, error) {
	id, err := p.client.Send(ctx, channelID, threadID, text, postUUID(channelID, threadID, text))
	if err != nil {
		return "", wrapFeishuError(err)
	}
	return id, nil
}

func (p *feishuPlatform) ResolveAttachment(ctx context.Context, messageID, ref string) (*domain.Attachment, error) {
	path, err := p.client.DownloadImage(ctx, messageID, ref)
	if err != nil {
		return nil, wrapFeishuError(err)
	}
	return &domain.Attachment{Ref: ref, Path: path, MimeType: "image/png"}, nil
}

func postUUID(channelID, threadID, text string) string {
	sum := sha1.Sum([]byte(channelID + "\x00" + threadID + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func wrapFeishuError(err error) error {
	if feishu.IsRateLimited(err) {
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	}
	return err
}
