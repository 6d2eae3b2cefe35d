// Package chat defines the message record shared by the conversation engine,
// the message store and the transport layers.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Author identifies who spoke a turn.
type Author string

const (
	User  Author = "user"
	Model Author = "model"
)

// Valid reports whether a is one of the two recognised authors.
func (a Author) Valid() bool {
	return a == User || a == Model
}

// Message is one conversational turn.
//
// Text holds the content as authored or generated. Framed holds the same
// content wrapped in the turn delimiters of the backend that created it and is
// what gets persisted and fed into prompts. Loading is true only while a
// response is being streamed in.
type Message struct {
	ID        string    `json:"id"`
	Author    Author    `json:"author"`
	Text      string    `json:"text"`
	Framed    string    `json:"framed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Loading   bool      `json:"loading,omitempty"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// New builds a finalized message with a fresh id.
func New(author Author, text string) Message {
	return Message{
		ID:        NewID(),
		Author:    author,
		Text:      text,
		Framed:    text,
		Timestamp: time.Now(),
	}
}

// IsFromUser reports whether the message was written by the user.
func (m Message) IsFromUser() bool {
	return m.Author == User
}
