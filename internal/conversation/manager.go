// Package conversation keeps the ordered, in-memory message list of the active
// chat. It owns turn framing, prompt construction and the incremental append
// used while a model response is streamed in, and publishes a display-ready
// snapshot to observers after every change.
package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/comigor/chatbot-go/internal/broadcast"
	"github.com/comigor/chatbot-go/internal/chat"
	"github.com/comigor/chatbot-go/internal/logger"
)

const (
	// DefaultPromptWindow is how many finalized messages FullPrompt covers.
	DefaultPromptWindow = 4
	// MaxPromptWindow caps the window so prompts stay bounded.
	MaxPromptWindow = 1024
)

// Kind selects the wire format of a Manager.
type Kind string

const (
	KindFramed Kind = "framed"
	KindPlain  Kind = "plain"
)

// Manager is the capability set every model backend's conversation exposes.
type Manager interface {
	// AddMessage appends a finalized message and returns it.
	AddMessage(text string, author chat.Author) chat.Message
	// CreateLoadingMessage appends an empty model message that is still being
	// generated and returns its id.
	CreateLoadingMessage() string
	// AppendMessage adds chunk to the loading message id; done finalizes it.
	// Unknown or already finalized ids are ignored.
	AppendMessage(id, chunk string, done bool)
	// FullPrompt is the framed trailing window joined by newlines.
	FullPrompt() string
	// Window returns the messages FullPrompt is built from, oldest first.
	Window() []chat.Message
	// Messages is the display projection: newest first, framing stripped.
	Messages() []chat.Message
	// History returns every message, oldest first, with framing intact.
	History() []chat.Message
	// Get looks a message up by id.
	Get(id string) (chat.Message, bool)
	// Load replaces the conversation, e.g. with messages restored from a store.
	Load(msgs []chat.Message)
	// Clear drops every message.
	Clear()
	// Subscribe streams display snapshots, starting with the current one.
	Subscribe() (<-chan []chat.Message, func())
	// Kind reports the wire format.
	Kind() Kind
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPromptWindow sets how many finalized messages FullPrompt covers. Values
// outside [1, MaxPromptWindow] are clamped.
func WithPromptWindow(n int) Option {
	return func(e *Engine) {
		switch {
		case n < 1:
			n = 1
		case n > MaxPromptWindow:
			n = MaxPromptWindow
		}
		e.window = n
	}
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMessages seeds the engine as Load would.
func WithMessages(msgs []chat.Message) Option {
	return func(e *Engine) { e.loadLocked(msgs) }
}

// Engine implements Manager on top of a framer.
type Engine struct {
	kind   Kind
	framer framer
	window int
	now    func() time.Time

	mu   sync.Mutex
	msgs []chat.Message
	last time.Time
	hub  *broadcast.Hub[[]chat.Message]
}

var _ Manager = (*Engine)(nil)

// New returns the Manager for kind.
func New(kind Kind, opts ...Option) (*Engine, error) {
	switch kind {
	case KindFramed:
		return NewFramed(opts...), nil
	case KindPlain:
		return NewPlain(opts...), nil
	default:
		return nil, fmt.Errorf("unknown conversation kind %q", kind)
	}
}

// NewFramed returns a Manager that wraps every turn in
// <start_of_turn>author\n ... <end_of_turn>.
func NewFramed(opts ...Option) *Engine {
	return newEngine(KindFramed, turnFramer{}, opts)
}

// NewPlain returns a Manager for backends that take unframed text.
func NewPlain(opts ...Option) *Engine {
	return newEngine(KindPlain, plainFramer{}, opts)
}

func newEngine(kind Kind, f framer, opts []Option) *Engine {
	e := &Engine{
		kind:   kind,
		framer: f,
		window: DefaultPromptWindow,
		now:    time.Now,
		hub:    broadcast.New[[]chat.Message](),
	}
	// options may load messages, so the framer and clock must be in place first
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Kind() Kind { return e.kind }

func (e *Engine) AddMessage(text string, author chat.Author) chat.Message {
	text = sanitize(text)

	e.mu.Lock()
	defer e.mu.Unlock()

	msg := chat.Message{
		ID:        chat.NewID(),
		Author:    author,
		Text:      text,
		Framed:    e.framer.frame(author, text, false),
		Timestamp: e.stampLocked(),
	}
	e.msgs = append(e.msgs, msg)
	e.publishLocked()
	return msg
}

func (e *Engine) CreateLoadingMessage() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := chat.Message{
		ID:        chat.NewID(),
		Author:    chat.Model,
		Framed:    e.framer.frame(chat.Model, "", true),
		Timestamp: e.stampLocked(),
		Loading:   true,
	}
	e.msgs = append(e.msgs, msg)
	e.publishLocked()
	return msg.ID
}

func (e *Engine) AppendMessage(id, chunk string, done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexLocked(id)
	if i < 0 {
		logger.L.Debug("append to unknown message ignored", "id", id)
		return
	}
	msg := e.msgs[i]
	if !msg.Loading {
		logger.L.Debug("append to finalized message ignored", "id", id)
		return
	}

	// sanitizing the accumulated text also catches delimiters split across chunks
	msg.Text = sanitize(msg.Text + chunk)
	msg.Loading = !done
	msg.Framed = e.framer.frame(msg.Author, msg.Text, msg.Loading)
	e.msgs[i] = msg
	e.publishLocked()
}

func (e *Engine) FullPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	window := e.windowLocked()
	parts := make([]string, len(window))
	for i, m := range window {
		parts[i] = m.Framed
	}
	return strings.Join(parts, "\n")
}

func (e *Engine) Window() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.windowLocked()
}

func (e *Engine) Messages() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.projectLocked()
}

func (e *Engine) History() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chat.Message, len(e.msgs))
	copy(out, e.msgs)
	return out
}

func (e *Engine) Get(id string) (chat.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexLocked(id); i >= 0 {
		return e.msgs[i], true
	}
	return chat.Message{}, false
}

func (e *Engine) Load(msgs []chat.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked(msgs)
	e.publishLocked()
}

func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = nil
	e.publishLocked()
}

func (e *Engine) Subscribe() (<-chan []chat.Message, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hub.SubscribeWith(e.projectLocked())
}

// Close ends every subscription.
func (e *Engine) Close() {
	e.hub.Close()
}

func (e *Engine) loadLocked(msgs []chat.Message) {
	e.msgs = make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = chat.NewID()
		}
		// a message restored from storage is never still generating
		m.Loading = false
		m.Text = sanitize(m.Text)
		m.Framed = e.framer.frame(m.Author, m.Text, false)
		if m.Timestamp.Before(e.last) {
			m.Timestamp = e.last
		}
		e.last = m.Timestamp
		e.msgs = append(e.msgs, m)
	}
}

// stampLocked returns a timestamp that never precedes the previous one.
func (e *Engine) stampLocked() time.Time {
	ts := e.now()
	if ts.Before(e.last) {
		ts = e.last
	}
	e.last = ts
	return ts
}

func (e *Engine) indexLocked(id string) int {
	for i := range e.msgs {
		if e.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) windowLocked() []chat.Message {
	out := make([]chat.Message, 0, e.window)
	for i := len(e.msgs) - 1; i >= 0 && len(out) < e.window; i-- {
		if e.msgs[i].Loading {
			continue
		}
		out = append(out, e.msgs[i])
	}
	// collected newest first
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

func (e *Engine) projectLocked() []chat.Message {
	out := make([]chat.Message, 0, len(e.msgs))
	for i := len(e.msgs) - 1; i >= 0; i-- {
		m := e.msgs[i]
		text, ok := e.framer.strip(m.Author, m.Framed)
		if !ok {
			logger.L.Warn("framing mismatch; showing raw text", "id", m.ID, "author", m.Author)
			text = m.Text
		}
		m.Text = text
		m.Framed = ""
		out = append(out, m)
	}
	return out
}

func (e *Engine) publishLocked() {
	e.hub.Publish(e.projectLocked())
}
