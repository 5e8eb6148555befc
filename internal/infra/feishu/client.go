package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/rs/zerolog"
)

// CodeRateLimited is the Feishu error code for frequency-limited requests
const CodeRateLimited = 99991400

// maxPageSize is the largest page the message list API accepts
const maxPageSize = 50

// Message is a message read from chat history
type Message struct {
	ChatID      string
	MsgID       string
	RootID      string // Root of the reply thread, empty for top-level messages
	MsgType     string // text, image, post
	Content     string // Text content (extracted from all message types)
	ImageKeys   []string
	SenderID    string
	SenderType  string // user, app
	MentionsBot bool
	CreateTime  int64 // Milliseconds Unix timestamp from Feishu
}

// Chat is a group the bot belongs to
type Chat struct {
	ChatID string
	Name   string
}

// APIError is a non-success Feishu response
type APIError struct {
	Op     string
	Code   int
	Msg    string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error: code=%d msg=%s", e.Op, e.Code, e.Msg)
}

// RateLimited reports whether Feishu rejected the call for frequency
func (e *APIError) RateLimited() bool {
	return e.Code == CodeRateLimited || e.Status == http.StatusTooManyRequests
}

// IsRateLimited reports whether err is a Feishu frequency-limit rejection
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}

// Client is the Feishu API client
type Client struct {
	appID       string
	larkCli     *lark.Client
	downloadDir string
	log         zerolog.Logger

	mu        sync.Mutex
	botOpenID string // Bot's own open_id, fetched on first use
}

// NewClient creates a new Feishu client. baseURL may be empty for the default Feishu endpoint.
func NewClient(appID, appSecret, baseURL string, log zerolog.Logger) *Client {
	opts := []lark.ClientOptionFunc{lark.WithLogLevel(larkcore.LogLevelError)}
	if baseURL != "" {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	return &Client{
		appID:       appID,
		larkCli:     lark.NewClient(appID, appSecret, opts...),
		downloadDir: filepath.Join(os.TempDir(), "feishu-relay-images"),
		log:         log,
	}
}

// SetDownloadDir sets the directory for downloading images
func (c *Client) SetDownloadDir(dir string) {
	c.downloadDir = dir
}

// AppID is the sender id Feishu reports for messages the bot posted
func (c *Client) AppID() string {
	return c.appID
}

// BotOpenID returns the bot's open_id, which is what mentions of the bot carry
func (c *Client) BotOpenID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.botOpenID != "" {
		return c.botOpenID, nil
	}

	resp, err := c.larkCli.Get(ctx, "/open-apis/bot/v3/info", nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return "", fmt.Errorf("get bot info: %w", err)
	}

	var botResult struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID  string `json:"open_id"`
			AppName string `json:"app_name"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(resp.RawBody, &botResult); err != nil {
		return "", fmt.Errorf("decode bot info: %w", err)
	}
	if botResult.Code != 0 {
		return "", &APIError{Op: "bot info", Code: botResult.Code, Msg: botResult.Msg, Status: resp.StatusCode}
	}

	c.botOpenID = botResult.Bot.OpenID
	c.log.Info().Str("open_id", c.botOpenID).Str("name", botResult.Bot.AppName).Msg("resolved bot identity")
	return c.botOpenID, nil
}

// ListChats lists every group the bot is a member of
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	var pageToken string

	for {
		reqBuilder := larkim.NewListChatReqBuilder().PageSize(100)
		if pageToken != "" {
			reqBuilder = reqBuilder.PageToken(pageToken)
		}

		resp, err := c.larkCli.Im.Chat.List(ctx, reqBuilder.Build())
		if err != nil {
			return nil, fmt.Errorf("list chats failed: %w", err)
		}
		if !resp.Success() {
			return nil, &APIError{Op: "list chats", Code: resp.Code, Msg: resp.Msg, Status: statusOf(resp.ApiResp)}
		}

		for _, item := range resp.Data.Items {
			chat := Chat{}
			if item.ChatId != nil {
				chat.ChatID = *item.ChatId
			}
			if item.Name != nil {
				chat.Name = *item.Name
			}
			chats = append(chats, chat)
		}

		if resp.Data.HasMore == nil || !*resp.Data.HasMore || resp.Data.PageToken == nil || *resp.Data.PageToken == "" {
			break
		}
		pageToken = *resp.Data.PageToken
	}

	c.log.Debug().Int("count", len(chats)).Msg("listed chats")
	return chats, nil
}

// ListMessages returns messages in a chat created at or after since, oldest first
func (c *Client) ListMessages(ctx context.Context, chatID string, since time.Time) ([]*Message, error) {
	botOpenID, err := c.BotOpenID(ctx)
	if err != nil {
		// mention detection degrades, history is still usable
		c.log.Warn().Err(err).Msg("failed to resolve bot open_id")
	}

	var messages []*Message
	var pageToken string

	for {
		reqBuilder := larkim.NewListMessageReqBuilder().
			ContainerIdType("chat").
			ContainerId(chatID).
			StartTime(strconv.FormatInt(since.Unix(), 10)).
			SortType("ByCreateTimeAsc").
			PageSize(maxPageSize)
		if pageToken != "" {
			reqBuilder = reqBuilder.PageToken(pageToken)
		}

		resp, err := c.larkCli.Im.Message.List(ctx, reqBuilder.Build())
		if err != nil {
			return nil, fmt.Errorf("get chat history failed: %w", err)
		}
		if !resp.Success() {
			return nil, &APIError{Op: "get chat history", Code: resp.Code, Msg: resp.Msg, Status: statusOf(resp.ApiResp)}
		}

		for _, item := range resp.Data.Items {
			if item.Deleted != nil && *item.Deleted {
				continue
			}
			if msg := c.convertMessage(item, chatID, botOpenID); msg != nil {
				messages = append(messages, msg)
			}
		}

		if resp.Data.HasMore == nil || !*resp.Data.HasMore || resp.Data.PageToken == nil || *resp.Data.PageToken == "" {
			break
		}
		pageToken = *resp.Data.PageToken
	}

	c.log.Debug().Str("chat_id", chatID).Int("count", len(messages)).Msg("retrieved messages")
	return messages, nil
}

func (c *Client) convertMessage(item *larkim.Message, chatID, botOpenID string) *Message {
	if item.MessageId == nil || item.MsgType == nil {
		return nil
	}
	msg := &Message{
		ChatID:  chatID,
		MsgID:   *item.MessageId,
		MsgType: *item.MsgType,
	}
	if item.RootId != nil {
		msg.RootID = *item.RootId
	}
	if item.CreateTime != nil {
		if ts, err := strconv.ParseInt(*item.CreateTime, 10, 64); err == nil {
			msg.CreateTime = ts
		}
	}
	if item.Sender != nil {
		if item.Sender.Id != nil {
			msg.SenderID = *item.Sender.Id
		}
		if item.Sender.SenderType != nil {
			msg.SenderType = *item.Sender.SenderType
		}
	}

	// mention keys (@_user_1) map to display names; ids are open_ids
	mentionMap := make(map[string]string)
	for _, mention := range item.Mentions {
		if mention.Key != nil && mention.Name != nil {
			mentionMap[*mention.Key] = *mention.Name
		}
		if botOpenID != "" && mention.Id != nil && *mention.Id == botOpenID {
			msg.MentionsBot = true
		}
	}

	if item.Body == nil || item.Body.Content == nil {
		return msg
	}
	rawContent := *item.Body.Content
	switch msg.MsgType {
	case "text":
		msg.Content = parseTextContent(rawContent, mentionMap)
	case "image":
		msg.ImageKeys = parseImageContent(rawContent)
		msg.Content = "[Image]"
	case "post":
		msg.Content, msg.ImageKeys = parsePostContent(rawContent, mentionMap)
	default:
		return nil
	}
	return msg
}

// Send posts text to a chat. With rootID set it replies inside that message's thread.
// uuid makes the request idempotent on Feishu's side for an hour.
func (c *Client) Send(ctx context.Context, chatID, rootID, text, uuid string) (string, error) {
	content := map[string]string{"text": text}
	contentJSON, _ := json.Marshal(content)
	if len(uuid) > 50 {
		uuid = uuid[:50]
	}

	if rootID != "" {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(rootID).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				MsgType(larkim.MsgTypeText).
				Content(string(contentJSON)).
				ReplyInThread(true).
				Uuid(uuid).
				Build()).
			Build()

		resp, err := c.larkCli.Im.Message.Reply(ctx, req)
		if err != nil {
			return "", fmt.Errorf("reply message failed: %w", err)
		}
		if !resp.Success() {
			return "", &APIError{Op: "reply message", Code: resp.Code, Msg: resp.Msg, Status: statusOf(resp.ApiResp)}
		}
		c.log.Debug().Str("chat_id", chatID).Str("root_id", rootID).Msg("reply sent")
		return derefString(resp.Data.MessageId), nil
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(larkim.MsgTypeText).
			Content(string(contentJSON)).
			Uuid(uuid).
			Build()).
		Build()

	resp, err := c.larkCli.Im.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("send message failed: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Op: "send message", Code: resp.Code, Msg: resp.Msg, Status: statusOf(resp.ApiResp)}
	}
	c.log.Debug().Str("chat_id", chatID).Msg("message sent")
	return derefString(resp.Data.MessageId), nil
}

// DownloadImage downloads an image from a message and saves it locally
func (c *Client) DownloadImage(ctx context.Context, messageID, imageKey string) (string, error) {
	if err := os.MkdirAll(c.downloadDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(imageKey).
		Type("image").
		Build()

	resp, err := c.larkCli.Im.MessageResource.Get(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to get image: %w", err)
	}
	if !resp.Success() {
		return "", &APIError{Op: "get image", Code: resp.Code, Msg: resp.Msg, Status: statusOf(resp.ApiResp)}
	}

	filePath := filepath.Join(c.downloadDir, imageKey+".png")
	file, err := os.Create(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.File); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	c.log.Debug().Str("path", filePath).Msg("downloaded image")
	return filePath, nil
}

// parseTextContent extracts text from a text message, replacing mention placeholders with names
func parseTextContent(content string, mentionMap map[string]string) string {
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}
	return replaceMentions(parsed.Text, mentionMap)
}

func parseImageContent(content string) []string {
	var parsed struct {
		ImageKey string `json:"image_key"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || parsed.ImageKey == "" {
		return nil
	}
	return []string{parsed.ImageKey}
}

// parsePostContent extracts text and images from a rich text message
func parsePostContent(content string, mentionMap map[string]string) (string, []string) {
	var parsed struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag      string `json:"tag"`
			Text     string `json:"text,omitempty"`
			ImageKey string `json:"image_key,omitempty"`
			UserID   string `json:"user_id,omitempty"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return "", nil
	}

	var textParts []string
	var imageKeys []string
	if parsed.Title != "" {
		textParts = append(textParts, parsed.Title)
	}

	for _, line := range parsed.Content {
		var lineParts []string
		for _, elem := range line {
			switch elem.Tag {
			case "text":
				if elem.Text != "" {
					lineParts = append(lineParts, elem.Text)
				}
			case "at":
				if elem.UserID == "" {
					continue
				}
				if name, ok := mentionMap[elem.UserID]; ok {
					lineParts = append(lineParts, "@"+name)
				} else {
					lineParts = append(lineParts, "@"+elem.UserID)
				}
			case "img":
				if elem.ImageKey != "" {
					imageKeys = append(imageKeys, elem.ImageKey)
				}
			}
		}
		if len(lineParts) > 0 {
			textParts = append(textParts, strings.Join(lineParts, ""))
		}
	}

	return replaceMentions(strings.Join(textParts, "\n"), mentionMap), imageKeys
}

// replaceMentions replaces mention placeholders (@_user_1, @_user_2, etc.) with real names
func replaceMentions(text string, mentionMap map[string]string) string {
	for key, name := range mentionMap {
		text = strings.ReplaceAll(text, key, "@"+name)
	}
	return text
}

func statusOf(resp *larkcore.ApiResp) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
