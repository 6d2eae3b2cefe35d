package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/comigor/chatbot-go/internal/broadcast"
	"github.com/comigor/chatbot-go/internal/chat"
)

var messagesBucket = []byte("chat_message")

// boltRow is the JSON value stored under a message id.
type boltRow struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
	Framed    string `json:"framed"`
	Author    string `json:"author"`
	Seq       uint64 `json:"seq"`
}

// BoltStore keeps messages in a bbolt bucket keyed by id.
type BoltStore struct {
	db      *bolt.DB
	changes *broadcast.Hub[struct{}]

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create %s bucket: %w", messagesBucket, err)
	}
	return &BoltStore{db: db, changes: broadcast.New[struct{}]()}, nil
}

func (s *BoltStore) GetMessages(ctx context.Context) (<-chan []chat.Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return watch(ctx, s.changes, s.list), nil
}

func (s *BoltStore) list(context.Context) ([]chat.Message, error) {
	rows := make([]boltRow, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r boltRow
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode message row: %w", err)
			}
			rows = append(rows, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Timestamp != rows[j].Timestamp {
			return rows[i].Timestamp < rows[j].Timestamp
		}
		return rows[i].Seq < rows[j].Seq
	})

	out := make([]chat.Message, len(rows))
	for i, r := range rows {
		out[i] = chat.Message{
			ID:        r.ID,
			Author:    chat.Author(r.Author),
			Text:      r.Text,
			Framed:    r.Framed,
			Timestamp: time.Unix(0, r.Timestamp),
		}
	}
	return out, nil
}

func (s *BoltStore) AddMessage(ctx context.Context, msg chat.Message) (string, error) {
	ids, err := s.AddMessages(ctx, []chat.Message{msg})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (s *BoltStore) AddMessages(_ context.Context, msgs []chat.Message) ([]string, error) {
	msgs = withIDs(msgs)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		for _, m := range msgs {
			seq, err := rowSeq(b, m.ID)
			if err != nil {
				return err
			}
			enc, err := json.Marshal(boltRow{
				ID:        m.ID,
				Timestamp: m.Timestamp.UnixNano(),
				Text:      m.Text,
				Framed:    m.Framed,
				Author:    string(m.Author),
				Seq:       seq,
			})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(m.ID), enc); err != nil {
				return fmt.Errorf("put message %q: %w", m.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	s.changes.Publish(struct{}{})
	return ids(msgs), nil
}

// rowSeq returns the sequence of an existing row so a replace keeps its place
// among equal timestamps, or the next sequence for a new one.
func rowSeq(b *bolt.Bucket, id string) (uint64, error) {
	if v := b.Get([]byte(id)); v != nil {
		var old boltRow
		if err := json.Unmarshal(v, &old); err == nil {
			return old.Seq, nil
		}
	}
	return b.NextSequence()
}

func (s *BoltStore) DeleteAllMessages(context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		// recreate the bucket so the sequence restarts too
		if tx.Bucket(messagesBucket) != nil {
			if err := tx.DeleteBucket(messagesBucket); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(messagesBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	s.changes.Publish(struct{}{})
	return nil
}

func (s *BoltStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.changes.Close()
		err = s.db.Close()
	})
	return err
}
