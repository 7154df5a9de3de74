package models

import (
	"strings"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelDiscord ChannelType = "discord"
)

// Role indicates the author type of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one role-tagged message contributed to a completion request.
// Content is already cleaned of mention markup and attachment binaries.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name is the sanitized speaker name, set only for user turns.
	Name string `json:"name,omitempty"`
}

// Text renders the turn the way it is sent to providers that have no
// per-message speaker field: "Name: content" for named user turns.
func (t Turn) Text() string {
	if t.Role == RoleUser && t.Name != "" {
		return t.Name + ": " + t.Content
	}
	return t.Content
}

// ChatMessage is the platform-neutral view of an inbound chat message.
type ChatMessage struct {
	ID        string      `json:"id"`
	Channel   ChannelType `json:"channel"`
	ChannelID string      `json:"channel_id"`
	GuildID   string      `json:"guild_id,omitempty"`

	AuthorID    string `json:"author_id"`
	AuthorName  string `json:"author_name"`
	AuthorIsBot bool   `json:"author_is_bot,omitempty"`

	// Content has user/role/channel mentions already replaced by names.
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// ReferenceID is the ID of the message this one replies to.
	ReferenceID string `json:"reference_id,omitempty"`
	// ReplyToAuthorID is the author of the referenced message, when known.
	ReplyToAuthorID string `json:"reply_to_author_id,omitempty"`
	// MentionedIDs lists directly mentioned users (not roles or @everyone).
	MentionedIDs []string `json:"mentioned_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	EditedAt  time.Time `json:"edited_at,omitempty"`
}

// Ref returns the reference that addresses this message.
func (m *ChatMessage) Ref() MessageRef {
	return MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}
}

// HasReference reports whether the message replies to another message.
func (m *ChatMessage) HasReference() bool {
	return m != nil && m.ReferenceID != ""
}

// Mentions reports whether userID is directly mentioned.
func (m *ChatMessage) Mentions(userID string) bool {
	if m == nil || userID == "" {
		return false
	}
	for _, id := range m.MentionedIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the message carries neither text nor attachments.
func (m *ChatMessage) IsEmpty() bool {
	return m == nil || (strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0)
}

// Attachment represents a file attached to a chat message.
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// MessageRef addresses a message previously sent to a channel.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// IsZero reports whether the reference is unset.
func (r MessageRef) IsZero() bool {
	return r.MessageID == ""
}
