package domain

import (
	"strings"
	"time"
)

// InboundItem is a platform message awaiting generation
type InboundItem struct {
	ID          string
	ChannelID   string
	ChannelName string
	ThreadID    string
	AuthorID    string
	Text        string
	Attachments []string
	FetchedAt   time.Time
	Status      InboundStatus
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
	ErrorDetail string
}

// ReplyThread returns the thread a response to this item belongs in.
// Top-level messages start a thread rooted at themselves.
func (i *InboundItem) ReplyThread() string {
	if i.ThreadID != "" {
		return i.ThreadID
	}
	return i.ID
}

// OutboundItem is a generated response awaiting delivery.
// ID is the identifier of the InboundItem it answers.
type OutboundItem struct {
	ID          string
	ChannelID   string
	ThreadID    string
	Text        string
	CreatedAt   time.Time
	Status      OutboundStatus
	ClaimedAt   *time.Time
	SentAt      *time.Time
	ErrorDetail string
	Retries     int
}

// RespondedRecord is a ledger entry for a message the system has answered
type RespondedRecord struct {
	ID          string
	ChannelID   string
	ThreadID    string
	Text        string
	RespondedAt time.Time
}

// ThreadWatch tracks a thread the system has participated in
type ThreadWatch struct {
	ChannelID     string
	ThreadID      string
	LastCheckedAt time.Time
	CreatedAt     time.Time
}

// SelfResponseRecord records text the system posted itself
type SelfResponseRecord struct {
	ID        int64
	ChannelID string
	ThreadID  string
	Text      string
	PostedAt  time.Time
}

// QueueCounts holds row counts per status
type QueueCounts struct {
	Inbound  map[InboundStatus]int  `json:"inbound"`
	Outbound map[OutboundStatus]int `json:"outbound"`
}

// QueueStats summarizes the store for status reporting
type QueueStats struct {
	QueueCounts
	Responded     int `json:"responded"`
	ThreadWatches int `json:"thread_watches"`
	SelfResponses int `json:"self_responses"`
}

// NormalizeText is the comparison form used for self-response matching
func NormalizeText(text string) string {
	return strings.TrimSpace(text)
}
