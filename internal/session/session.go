// Package session orchestrates one chat: it feeds user input into the
// conversation engine, calls the model, streams the answer back in and keeps
// the message store in sync without ever blocking on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatbot-go/internal/chat"
	"github.com/comigor/chatbot-go/internal/config"
	"github.com/comigor/chatbot-go/internal/conversation"
	"github.com/comigor/chatbot-go/internal/history"
	"github.com/comigor/chatbot-go/internal/llm"
	"github.com/comigor/chatbot-go/internal/logger"
	"github.com/comigor/chatbot-go/internal/speech"
)

// Turn states
const (
	StateIdle             = "Idle"
	StateAwaitingResponse = "AwaitingResponse"
	StateStreaming        = "Streaming"
)

// Turn triggers
const (
	TriggerSend       = "Send"
	TriggerFirstChunk = "FirstChunk"
	TriggerResponded  = "Responded"
	TriggerFailed     = "Failed"
)

var (
	ErrBusy          = errors.New("session: a response is still being generated")
	ErrEmptyMessage  = errors.New("session: empty message")
	ErrNoRecorder    = errors.New("session: no recorder configured")
	ErrNoTranscriber = errors.New("session: no transcriber configured")
	ErrSessionClosed = errors.New("session: closed")
	// ErrCleared is returned by Send when the conversation was cleared while
	// the model was still answering.
	ErrCleared = errors.New("session: conversation cleared during the turn")
)

const defaultWriteQueue = 256

const unknownModelError = "Unknown error"

// EventKind tells one-shot events apart.
type EventKind string

const (
	EventError    EventKind = "error"
	EventSent     EventKind = "sent"
	EventReceived EventKind = "received"
)

// Event is a one-shot notification for the presentation layer.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// State is what a chat screen renders.
type State struct {
	TextInput    string
	InputEnabled bool
	MicPressed   bool
	Loading      bool
	Messages     []chat.Message
}

// Option customizes a Session.
type Option func(*Session)

// WithTranscriber enables Transcribe and the stop half of ToggleMic.
func WithTranscriber(t speech.Transcriber) Option {
	return func(s *Session) { s.transcriber = t }
}

// WithRecorder enables ToggleMic.
func WithRecorder(r speech.Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithWriteQueue sets how many pending store writes may queue up before new
// ones are dropped.
func WithWriteQueue(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithMetrics sets the collectors the session reports to.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is the single owner of one conversation.
type Session struct {
	cfg         config.LLMConfig
	engine      conversation.Manager
	store       history.Store
	gen         *llm.Generator
	transcriber speech.Transcriber
	recorder    speech.Recorder
	metrics     *Metrics

	mu         sync.Mutex // guards fsm transitions and the fields below
	fsm        *stateless.StateMachine
	textInput  string
	micPressed bool
	loading    bool

	events chan Event
	clears atomic.Uint64 // bumped by Clear so a running turn can tell

	queueSize int
	writes    chan writeOp
	writerWG  sync.WaitGroup
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// writeOp is one job for the background writer. Clears travel the same queue
// as message writes so they apply in order.
type writeOp struct {
	msg   chat.Message
	clear bool
	done  chan error
}

// New creates a session and starts its background writer.
func New(client llm.Client, cfg config.LLMConfig, engine conversation.Manager, store history.Store, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg,
		engine: engine,
		store:  store,
		gen:    llm.NewGenerator(client),
		events:    make(chan Event, 32),
		queueSize: defaultWriteQueue,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.writes = make(chan writeOp, s.queueSize)
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.fsm = newTurnMachine()

	s.writerWG.Add(1)
	go s.writeLoop()
	return s
}

func newTurnMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	logEntry := func(ctx context.Context, args ...any) error {
		logger.L.Debug("turn state changed", "state", fsmStateFromArgs(args))
		return nil
	}

	fsm.Configure(StateIdle).
		Permit(TriggerSend, StateAwaitingResponse)

	fsm.Configure(StateAwaitingResponse).
		OnEntry(logEntry).
		Permit(TriggerFirstChunk, StateStreaming).
		Permit(TriggerResponded, StateIdle).
		Permit(TriggerFailed, StateIdle)

	fsm.Configure(StateStreaming).
		OnEntry(logEntry).
		Permit(TriggerResponded, StateIdle).
		Permit(TriggerFailed, StateIdle)

	return fsm
}

func fsmStateFromArgs(args []any) any {
	if len(args) > 0 {
		return args[0]
	}
	return nil
}

// fire moves the turn machine; it returns an error when trigger is not
// permitted in the current state.
func (s *Session) fire(trigger string, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Fire(trigger, next)
}

// TurnState reports the current turn state.
func (s *Session) TurnState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _ := s.fsm.MustState().(string)
	return st
}

// State returns a snapshot for rendering.
func (s *Session) State() State {
	s.mu.Lock()
	st := State{
		TextInput:    s.textInput,
		InputEnabled: s.fsm.MustState() == StateIdle,
		MicPressed:   s.micPressed,
		Loading:      s.loading,
	}
	s.mu.Unlock()
	st.Messages = s.engine.Messages()
	return st
}

// Events delivers one-shot notifications. Events are dropped when nobody
// reads them fast enough.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Messages returns the display projection of the conversation.
func (s *Session) Messages() []chat.Message {
	return s.engine.Messages()
}

// Subscribe streams display snapshots of the conversation.
func (s *Session) Subscribe() (<-chan []chat.Message, func()) {
	return s.engine.Subscribe()
}

// FullPrompt exposes the prompt the next model call would be built from.
func (s *Session) FullPrompt() string {
	return s.engine.FullPrompt()
}

// Start prepares the conversation: with useExisting it restores the stored
// messages, otherwise it wipes the store for a fresh chat.
func (s *Session) Start(ctx context.Context, useExisting bool) error {
	s.setLoading(true)
	defer s.setLoading(false)

	if !useExisting {
		return s.Clear(ctx)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := s.store.GetMessages(sctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	select {
	case msgs, ok := <-stream:
		if !ok {
			return fmt.Errorf("load history: %w", history.ErrClosed)
		}
		s.engine.Load(msgs)
		logger.L.Info("conversation restored", "messages", len(msgs))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops the conversation from memory and storage. The store is wiped
// after every write queued before the call, so none of them comes back.
func (s *Session) Clear(ctx context.Context) error {
	s.clears.Add(1)
	s.engine.Clear()
	if err := s.clearStore(ctx); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *Session) clearStore(ctx context.Context) error {
	op := writeOp{clear: true, done: make(chan error, 1)}

	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		// the writer has drained and stopped; nothing can race the delete
		return s.store.DeleteAllMessages(ctx)
	}
	select {
	case s.writes <- op:
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return ctx.Err()
	}
	s.closeMu.RUnlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send adds the user's text, asks the model and returns the model's message.
//
// A failing model call does not surface as an error: the failure text becomes
// a model message in the conversation and an EventError is emitted. Errors are
// only returned for input the session refuses (ErrEmptyMessage, ErrBusy) and
// for a turn whose conversation was cleared before it finished (ErrCleared).
func (s *Session) Send(ctx context.Context, text string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	if s.isClosed() {
		return chat.Message{}, ErrSessionClosed
	}
	if err := s.fire(TriggerSend, StateAwaitingResponse); err != nil {
		return chat.Message{}, ErrBusy
	}

	turn := s.clears.Load()
	user := s.engine.AddMessage(text, chat.User)
	s.metrics.Messages.WithLabelValues(string(chat.User)).Inc()
	s.persist(user)
	s.emit(Event{Kind: EventSent, Text: user.Text})

	req := llm.BuildRequest(s.cfg, s.engine.Kind(), s.engine.Window())

	var (
		reply chat.Message
		err   error
	)
	if s.cfg.Stream {
		reply, err = s.streamReply(ctx, req)
	} else {
		reply, err = s.completeReply(ctx, req, turn)
	}
	if s.clears.Load() != turn {
		err = ErrCleared
	}
	if errors.Is(err, ErrCleared) {
		logger.L.Info("conversation cleared while the model was answering")
		if ferr := s.fire(TriggerFailed, StateIdle); ferr != nil {
			logger.L.Warn("FSM fire error", "error", ferr)
		}
		return chat.Message{}, ErrCleared
	}
	if err != nil {
		logger.L.Error("model call failed", "error", err)
		s.metrics.ModelFailures.Inc()
		s.emit(Event{Kind: EventError, Text: reply.Text, Err: err})
		if ferr := s.fire(TriggerFailed, StateIdle); ferr != nil {
			logger.L.Warn("FSM fire error", "error", ferr)
		}
		return reply, nil
	}

	s.metrics.Messages.WithLabelValues(string(chat.Model)).Inc()
	s.persist(reply)
	s.emit(Event{Kind: EventReceived, Text: reply.Text})
	if ferr := s.fire(TriggerResponded, StateIdle); ferr != nil {
		logger.L.Warn("FSM fire error", "error", ferr)
	}
	return reply, nil
}

func (s *Session) completeReply(ctx context.Context, req openai.ChatCompletionRequest, turn uint64) (chat.Message, error) {
	text, err := s.gen.Complete(ctx, req)
	if s.clears.Load() != turn {
		return chat.Message{}, ErrCleared
	}
	if err != nil {
		return s.engine.AddMessage(errorText(err), chat.Model), err
	}
	return s.engine.AddMessage(text, chat.Model), nil
}

// streamReply fills a loading message chunk by chunk. When the call fails
// before the first chunk, that same message (same id) is finalized with the
// error text instead of a new one being added. It returns ErrCleared when the
// loading message disappeared because the conversation was cleared.
func (s *Session) streamReply(ctx context.Context, req openai.ChatCompletionRequest) (chat.Message, error) {
	id := s.engine.CreateLoadingMessage()

	n, err := s.gen.Stream(ctx, req, func(chunk string) {
		s.metrics.StreamChunks.Inc()
		if s.TurnState() == StateAwaitingResponse {
			if ferr := s.fire(TriggerFirstChunk, StateStreaming); ferr != nil {
				logger.L.Debug("FSM fire error", "error", ferr)
			}
		}
		s.engine.AppendMessage(id, chunk, false)
	})

	if err != nil && n == 0 {
		// nothing arrived: the reserved slot carries the error instead
		s.engine.AppendMessage(id, errorText(err), true)
		msg, ok := s.engine.Get(id)
		if !ok {
			return chat.Message{}, ErrCleared
		}
		return msg, err
	}

	s.engine.AppendMessage(id, "", true)
	msg, ok := s.engine.Get(id)
	if !ok {
		return chat.Message{}, ErrCleared
	}
	if err != nil {
		// keep what was streamed so far and report the failure below it
		s.metrics.Messages.WithLabelValues(string(chat.Model)).Inc()
		s.persist(msg)
		return s.engine.AddMessage(errorText(err), chat.Model), err
	}
	return msg, nil
}

// Transcribe turns a recording into text and sends it.
func (s *Session) Transcribe(ctx context.Context, wavPath string) (chat.Message, error) {
	if s.transcriber == nil {
		return chat.Message{}, ErrNoTranscriber
	}
	text, err := s.transcriber.Transcribe(ctx, wavPath)
	if err != nil {
		s.emit(Event{Kind: EventError, Text: errorText(err), Err: err})
		return chat.Message{}, fmt.Errorf("transcribe: %w", err)
	}

	s.mu.Lock()
	s.textInput = text
	s.mu.Unlock()

	return s.Send(ctx, text)
}

// ToggleMic starts recording on the first press; the second press stops it,
// transcribes the recording and sends the result.
func (s *Session) ToggleMic(ctx context.Context) error {
	if s.recorder == nil {
		return ErrNoRecorder
	}

	// flip under the lock, talk to the device outside it
	s.mu.Lock()
	pressed := s.micPressed
	s.micPressed = !pressed
	s.mu.Unlock()

	if !pressed {
		if err := s.recorder.Start(); err != nil {
			s.setMicPressed(false)
			return fmt.Errorf("start recording: %w", err)
		}
		return nil
	}
	path, err := s.recorder.Stop()
	if err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}

	_, err = s.Transcribe(ctx, path)
	return err
}

// Close stops accepting work and waits for pending writes to reach the store.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.writes)
		s.closeMu.Unlock()
		s.writerWG.Wait()
	})
	return nil
}

func (s *Session) isClosed() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	return s.closed
}

// persist queues msg for the background writer without waiting. A full queue
// drops the write; the conversation itself is unaffected.
func (s *Session) persist(msg chat.Message) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		logger.L.Warn("session closed; message not persisted", "id", msg.ID)
		return
	}
	select {
	case s.writes <- writeOp{msg: msg}:
	default:
		s.metrics.PersistFailures.WithLabelValues("dropped").Inc()
		logger.L.Error("write queue full; message not persisted", "id", msg.ID)
	}
}

func (s *Session) writeLoop() {
	defer s.writerWG.Done()
	for op := range s.writes {
		if op.clear {
			err := s.store.DeleteAllMessages(context.Background())
			if err != nil {
				logger.L.Error("failed to clear history", "error", err)
			}
			op.done <- err
			continue
		}
		msg := op.msg
		if _, err := s.store.AddMessage(context.Background(), msg); err != nil {
			reason := "other"
			if errors.Is(err, history.ErrDiskFull) {
				reason = "disk_full"
				s.emit(Event{Kind: EventError, Text: "Storage is full; this message was not saved.", Err: err})
			}
			s.metrics.PersistFailures.WithLabelValues(reason).Inc()
			logger.L.Error("failed to persist message", "id", msg.ID, "reason", reason, "error", err)
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		logger.L.Debug("event dropped", "kind", ev.Kind)
	}
}

func (s *Session) setMicPressed(v bool) {
	s.mu.Lock()
	s.micPressed = v
	s.mu.Unlock()
}

func (s *Session) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func errorText(err error) string {
	if err == nil || err.Error() == "" {
		return unknownModelError
	}
	return err.Error()
}
