package domain

import "time"

// Message is a message read from platform history
type Message struct {
	ID          string
	ChannelID   string
	ThreadID    string
	AuthorID    string
	IsBot       bool
	Text        string
	Attachments []string
	MentionsBot bool
	CreateTime  time.Time
}

// IsFromBot checks if the message was written by the bot itself
func (m *Message) IsFromBot(botID string) bool {
	return botID != "" && m.AuthorID == botID
}

// IsAfter checks if the message is after the specified time
func (m *Message) IsAfter(t time.Time) bool {
	return m.CreateTime.After(t)
}

// Channel identifies a platform chat
type Channel struct {
	ID   string
	Name string
}

// Attachment is resolved attachment content handed to the generator
type Attachment struct {
	Ref      string
	Path     string
	MimeType string
}

// ResponseMode decides which messages trigger processing
type ResponseMode string

const (
	// ModeAll accepts any message matching a trigger keyword
	ModeAll ResponseMode = "all"
	// ModeMentions additionally requires an explicit mention
	ModeMentions ResponseMode = "mentions"
)

// Valid reports whether m is a known mode
func (m ResponseMode) Valid() bool {
	return m == ModeAll || m == ModeMentions
}
