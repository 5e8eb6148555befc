package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/biz/repo"
	"github.com/anthropics/feishu-relay/internal/infra/slack"
)

// slackPlatform implements the platform repository over the Slack Web API.
// Slack ts values are only unique per channel, so message and thread ids are "channel:ts".
type slackPlatform struct {
	client *slack.Client
}

// NewSlackPlatform creates a Slack platform repository
func NewSlackPlatform(client *slack.Client) repo.PlatformRepo {
	return &slackPlatform{client: client}
}

func (p *slackPlatform) Name() string { return "slack" }

// BotID is the bot id Slack attaches to messages the bot posted
func (p *slackPlatform) BotID(ctx context.Context) (string, error) {
	identity, err := p.client.Identity(ctx)
	if err != nil {
		return "", wrapSlackError(err)
	}
	return identity.BotID, nil
}

func (p *slackPlatform) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	chans, err := p.client.ListChannels(ctx)
	if err != nil {
		return nil, wrapSlackError(err)
	}
	channels := make([]domain.Channel, 0, len(chans))
	for _, c := range chans {
		channels = append(channels, domain.Channel{ID: c.ID, Name: c.Name})
	}
	return channels, nil
}

func (p *slackPlatform) History(ctx context.Context, channelID string, since time.Time) ([]domain.Message, error) {
	msgs, err := p.client.History(ctx, channelID, since)
	if err != nil {
		return nil, wrapSlackError(err)
	}
	result := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, slackToDomain(m))
	}
	return result, nil
}

func slackToDomain(m *slack.Message) domain.Message {
	msg := domain.Message{
		ID:          slackKey(m.ChannelID, m.TS),
		ChannelID:   m.ChannelID,
		AuthorID:    m.UserID,
		IsBot:       m.BotID != "",
		Text:        m.Text,
		Attachments: m.FileIDs,
		MentionsBot: m.MentionsBot,
		CreateTime:  m.CreateTime,
	}
	if m.BotID != "" {
		msg.AuthorID = m.BotID
	}
	if m.ThreadTS != "" {
		msg.ThreadID = slackKey(m.ChannelID, m.ThreadTS)
	}
	return msg
}

func (p *slackPlatform) Post(ctx context.Context, channelID, threadID, text string) (string, error) {
	ts, err := p.client.Post(ctx, channelID, slackTS(threadID), text)
	if err != nil {
		return "", wrapSlackError(err)
	}
	return slackKey(channelID, ts), nil
}

func (p *slackPlatform) ResolveAttachment(ctx context.Context, messageID, ref string) (*domain.Attachment, error) {
	path, mime, err := p.client.DownloadFile(ctx, ref)
	if err != nil {
		return nil, wrapSlackError(err)
	}
	return &domain.Attachment{Ref: ref, Path: path, MimeType: mime}, nil
}

func slackKey(channelID, ts string) string {
	return channelID + ":" + ts
}

// slackTS extracts the ts from a "channel:ts" id; a bare ts passes through
func slackTS(id string) string {
	if _, ts, ok := strings.Cut(id, ":"); ok {
		return ts
	}
	return id
}

func wrapSlackError(err error) error {
	if slack.IsRateLimited(err) {
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	}
	return err
}
