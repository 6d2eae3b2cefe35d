package history

import (
	"context"
	"sort"
	"sync"

	"github.com/comigor/chatbot-go/internal/broadcast"
	"github.com/comigor/chatbot-go/internal/chat"
)

type memoryRow struct {
	msg chat.Message
	seq uint64
}

// MemoryStore keeps messages in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	rows     map[string]memoryRow
	seq      uint64
	capacity int
	closed   bool

	changes *broadcast.Hub[struct{}]
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCapacity limits the number of stored messages; writes beyond it fail
// with ErrDiskFull. Zero means unlimited.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryStore) { s.capacity = n }
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		rows:    make(map[string]memoryRow),
		changes: broadcast.New[struct{}](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) GetMessages(ctx context.Context) (<-chan []chat.Message, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return watch(ctx, s.changes, s.list), nil
}

func (s *MemoryStore) list(context.Context) ([]chat.Message, error) {
	s.mu.Lock()
	rows := make([]memoryRow, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].msg.Timestamp.Equal(rows[j].msg.Timestamp) {
			return rows[i].msg.Timestamp.Before(rows[j].msg.Timestamp)
		}
		return rows[i].seq < rows[j].seq
	})
	out := make([]chat.Message, len(rows))
	for i, r := range rows {
		out[i] = r.msg
	}
	return out, nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, msg chat.Message) (string, error) {
	ids, err := s.AddMessages(ctx, []chat.Message{msg})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (s *MemoryStore) AddMessages(_ context.Context, msgs []chat.Message) ([]string, error) {
	msgs = withIDs(msgs)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.capacity > 0 {
		added := 0
		for _, m := range msgs {
			if _, ok := s.rows[m.ID]; !ok {
				added++
			}
		}
		if len(s.rows)+added > s.capacity {
			s.mu.Unlock()
			return nil, ErrDiskFull
		}
	}
	for _, m := range msgs {
		m.Loading = false
		// a replaced row keeps its place among equal timestamps
		if old, ok := s.rows[m.ID]; ok {
			s.rows[m.ID] = memoryRow{msg: m, seq: old.seq}
			continue
		}
		s.seq++
		s.rows[m.ID] = memoryRow{msg: m, seq: s.seq}
	}
	s.mu.Unlock()

	s.changes.Publish(struct{}{})
	return ids(msgs), nil
}

func (s *MemoryStore) DeleteAllMessages(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.rows = make(map[string]memoryRow)
	s.mu.Unlock()

	s.changes.Publish(struct{}{})
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.changes.Close()
	}
	return nil
}
