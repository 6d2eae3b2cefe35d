package history

import (
	"context"

	"github.com/comigor/chatbot-go/internal/broadcast"
	"github.com/comigor/chatbot-go/internal/chat"
	"github.com/comigor/chatbot-go/internal/logger"
)

type loadFunc func(ctx context.Context) ([]chat.Message, error)

// watch turns change notifications into a stream of full collections.
func watch(ctx context.Context, changes *broadcast.Hub[struct{}], load loadFunc) <-chan []chat.Message {
	// subscribe before the first load so no change can slip in between
	ticks, cancel := changes.SubscribeWith(struct{}{})
	out := make(chan []chat.Message)

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ticks:
				if !ok {
					return
				}
			}

			msgs, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.L.Error("failed to load messages", "error", err)
				continue
			}

			select {
			case out <- msgs:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
