// Package history persists chat messages. Three backends share the Store
// contract: SQLite (default), bbolt and an in-memory store that also serves as
// the fallback when the configured backend cannot be opened.
package history

import (
	"context"
	"errors"
	"syscall"

	"github.com/comigor/chatbot-go/internal/chat"
	"github.com/comigor/chatbot-go/internal/config"
	"github.com/comigor/chatbot-go/internal/logger"
)

// ErrDiskFull reports that a write failed because storage is exhausted.
var ErrDiskFull = errors.New("history: disk full")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history: store closed")

// Store is the durable side of a conversation.
type Store interface {
	// GetMessages emits the full collection ordered by timestamp, first right
	// away and then again after every change. The channel closes when ctx is
	// done or the store is closed.
	GetMessages(ctx context.Context) (<-chan []chat.Message, error)
	// AddMessage inserts or replaces msg and returns its id.
	AddMessage(ctx context.Context, msg chat.Message) (string, error)
	// AddMessages inserts or replaces msgs atomically and returns their ids.
	AddMessages(ctx context.Context, msgs []chat.Message) ([]string, error)
	// DeleteAllMessages empties the store.
	DeleteAllMessages(ctx context.Context) error
	Close() error
}

// Open returns the backend selected by cfg. If it cannot be opened the error
// is logged and an in-memory store is returned instead.
func Open(cfg config.StorageConfig) Store {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		s, err = OpenSQLite(cfg.Path)
	case "bolt":
		s, err = OpenBolt(cfg.Path)
	case "memory":
		return NewMemory()
	default:
		logger.L.Warn("unknown storage driver; using in-memory history", "driver", cfg.Driver)
		return NewMemory()
	}
	if err != nil {
		logger.L.Warn("history store unavailable; using in-memory history", "driver", cfg.Driver, "path", cfg.Path, "error", err)
		return NewMemory()
	}
	logger.L.Info("history store opened", "driver", cfg.Driver, "path", cfg.Path)
	return s
}

// sqliteFull is SQLITE_FULL; extended result codes keep it in the low byte.
const sqliteFull = 13

type codedError interface {
	Code() int
}

// classify maps storage exhaustion onto ErrDiskFull and leaves other errors alone.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isDiskFull(err) {
		return errors.Join(ErrDiskFull, err)
	}
	return err
}

func isDiskFull(err error) bool {
	var ce codedError
	if errors.As(err, &ce) && ce.Code()&0xff == sqliteFull {
		return true
	}
	return errors.Is(err, syscall.ENOSPC)
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// withIDs fills in missing ids so callers always get one back.
func withIDs(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = chat.NewID()
		}
		out[i] = m
	}
	return out
}
