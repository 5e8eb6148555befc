package slack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Message is a message read from channel history
type Message struct {
	ChannelID   string
	TS          string
	ThreadTS    string // Parent ts for replies, empty for top-level messages
	UserID      string
	BotID       string
	Text        string
	FileIDs     []string
	MentionsBot bool
	CreateTime  time.Time
}

// Identity is who the token authenticates as
type Identity struct {
	UserID string
	BotID  string
	Team   string
}

// Client is the Slack API client
type Client struct {
	api         *slack.Client
	downloadDir string
	log         zerolog.Logger

	mu       sync.Mutex
	identity *Identity
}

// NewClient creates a Slack client. apiURL may be empty for the public Slack API.
func NewClient(token, apiURL string, log zerolog.Logger) *Client {
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &Client{
		api:         slack.New(token, opts...),
		downloadDir: filepath.Join(os.TempDir(), "feishu-relay-files"),
		log:         log,
	}
}

// SetDownloadDir sets the directory for downloaded files
func (c *Client) SetDownloadDir(dir string) {
	c.downloadDir = dir
}

// IsRateLimited reports whether err is a Slack rate-limit rejection
func IsRateLimited(err error) bool {
	var rle *slack.RateLimitedError
	return errors.As(err, &rle)
}

// Identity returns the authenticated bot identity, cached after the first call
func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil {
		return c.identity, nil
	}

	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth test: %w", err)
	}
	c.identity = &Identity{UserID: resp.UserID, BotID: resp.BotID, Team: resp.Team}
	c.log.Info().Str("user_id", resp.UserID).Str("bot_id", resp.BotID).Str("team", resp.Team).Msg("resolved bot identity")
	return c.identity, nil
}

// ListChannels lists conversations the bot is a member of
func (c *Client) ListChannels(ctx context.Context) ([]slack.Channel, error) {
	var channels []slack.Channel
	params := &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           200,
		Types:           []string{"public_channel", "private_channel"},
	}
	for {
		page, cursor, err := c.api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		for _, ch := range page {
			if ch.IsMember {
				channels = append(channels, ch)
			}
		}
		if cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return channels, nil
}

// History returns top-level messages newer than since, oldest first
func (c *Client) History(ctx context.Context, channelID string, since time.Time) ([]*Message, error) {
	identity, err := c.Identity(ctx)
	if err != nil {
		return nil, err
	}

	var messages []*Message
	params := &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    FormatTS(since),
		Limit:     200,
	}
	for {
		resp, err := c.api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("conversation history: %w", err)
		}
		for _, m := range resp.Messages {
			// edits, joins and other subtypes are not questions
			if m.SubType != "" && m.SubType != "bot_message" && m.SubType != "file_share" {
				continue
			}
			messages = append(messages, convert(channelID, m, identity))
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}

	// Slack returns newest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func convert(channelID string, m slack.Message, identity *Identity) *Message {
	msg := &Message{
		ChannelID:  channelID,
		TS:         m.Timestamp,
		UserID:     m.User,
		BotID:      m.BotID,
		Text:       m.Text,
		CreateTime: ParseTS(m.Timestamp),
	}
	if m.ThreadTimestamp != "" && m.ThreadTimestamp != m.Timestamp {
		msg.ThreadTS = m.ThreadTimestamp
	}
	for _, f := range m.Files {
		msg.FileIDs = append(msg.FileIDs, f.ID)
	}
	if identity.UserID != "" && strings.Contains(m.Text, "<@"+identity.UserID+">") {
		msg.MentionsBot = true
	}
	return msg
}

// Post sends text to a channel, inside threadTS when set, and returns the posted ts
func (c *Client) Post(ctx context.Context, channelID, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// DownloadFile saves a shared file locally and returns its path and mime type
func (c *Client) DownloadFile(ctx context.Context, fileID string) (string, string, error) {
	file, _, _, err := c.api.GetFileInfoContext(ctx, fileID, 0, 0)
	if err != nil {
		return "", "", fmt.Errorf("file info: %w", err)
	}
	if err := os.MkdirAll(c.downloadDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create download dir: %w", err)
	}

	path := filepath.Join(c.downloadDir, fileID+filepath.Ext(file.Name))
	out, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if err := c.api.GetFileContext(ctx, file.URLPrivateDownload, out); err != nil {
		return "", "", fmt.Errorf("download file: %w", err)
	}
	return path, file.Mimetype, nil
}

// ParseTS converts a Slack ts ("1700000000.000100") to a time
func ParseTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		usec, _ = strconv.ParseInt((frac + "000000")[:6], 10, 64)
	}
	return time.Unix(s, usec*1000)
}

// FormatTS converts a time to a Slack ts bound
func FormatTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
