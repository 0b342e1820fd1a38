package chat

import (
	"strings"
	"unicode/utf8"
)

// MaxContentChars is the maximum message length in runes, after trimming.
const MaxContentChars = 1000

// Message is one chat message inside a channel.
// Timestamps are unix milliseconds.
type Message struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Content    string `json:"content"`
	CreateTime int64  `json:"create_time"`
	UpdateTime int64  `json:"update_time,omitempty"`
}

// LastWrite returns the timestamp of the latest write to this message.
func (m *Message) LastWrite() int64 {
	if m.UpdateTime > m.CreateTime {
		return m.UpdateTime
	}
	return m.CreateTime
}

// Channel metadata. Membership and ownership are only consulted by the
// authorization checks on the server side.
type Channel struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreatorID   string   `json:"creator_id"`
	MemberIDs   []string `json:"member_ids,omitempty"`
}

func (c *Channel) HasMember(uid string) bool {
	for _, id := range c.MemberIDs {
		if id == uid {
			return true
		}
	}
	return false
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// FeedEvent is one change-feed item. Delivery is at-least-once: consumers
// must tolerate duplicates.
type FeedEvent struct {
	Type   EventType `json:"type"`
	Record *Message  `json:"record"`
}

// Valid reports whether the event is well formed. A record without content
// must never reach a cache.
func (e *FeedEvent) Valid() bool {
	if e == nil || e.Record == nil || e.Record.ID == "" {
		return false
	}
	switch e.Type {
	case EventInsert, EventUpdate:
		return e.Record.Content != ""
	case EventDelete:
		return true
	}
	return false
}

// ValidateContent trims the content and checks the [1, MaxContentChars]
// rune length bound. It returns the trimmed content.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", NewValidationError("content is empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxContentChars {
		return "", NewValidationError("content exceeds %d chars", MaxContentChars)
	}
	return trimmed, nil
}
