package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const MaxMessageLen = 4000

var (
	ErrMessageEmpty   = errors.New("please enter a message")
	ErrMessageTooLong = errors.New("message too long")
)

type MessageID string

type Message struct {
	ID         MessageID  `json:"id"`
	ResponseID ResponseID `json:"responseId"`
	Sender     UserID     `json:"sender"`
	Content    string     `json:"content"`
	ReadBy     []UserID   `json:"readBy"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// NewMessage validates content and stamps a fresh id. The sender has read its own message.
func NewMessage(rid ResponseID, sender UserID, content string, now time.Time) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrMessageEmpty
	}
	if len(content) > MaxMessageLen {
		return nil, ErrMessageTooLong
	}
	return &Message{
		ID:         MessageID(uuid.NewString()),
		ResponseID: rid,
		Sender:     sender,
		Content:    content,
		ReadBy:     []UserID{sender},
		CreatedAt:  now,
	}, nil
}
