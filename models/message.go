package models

import "time"

// Status is the delivery lifecycle state of a message.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusReceived  Status = "received"
	StatusRead      Status = "read"
)

var statusTransitions = map[Status][]Status{
	StatusCreated:  {StatusSent, StatusFailed},
	StatusSent:     {StatusDelivered, StatusFailed},
	StatusFailed:   {StatusSent},
	StatusReceived: {StatusRead},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusSent, StatusDelivered, StatusFailed, StatusReceived, StatusRead:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a message may move from one status to another.
// Delivered and Read are terminal.
func CanTransition(from, to Status) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Author identifies which side of a chat wrote a message.
type Author string

const (
	AuthorUser    Author = "user"
	AuthorContact Author = "contact"
)

// Message is one chat entry. Body is plaintext; it is only ever encrypted on the wire.
type Message struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Body       string      `json:"body"`
	Contact    string      `json:"contact"`
	Author     Author      `json:"author"`
	Status     Status      `json:"status"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// HasAttachment reports whether the message carries an attachment.
func (m Message) HasAttachment() bool {
	return m.Attachment != nil
}

// ChatSummary is the per-contact conversation overview.
type ChatSummary struct {
	Contact       string    `json:"contact"`
	LastMessage   string    `json:"last_message"`
	LastTimestamp time.Time `json:"last_timestamp"`
	UnreadCount   int       `json:"unread_count"`
}
