package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/driveline-ai/driveline/internal/model"
	"github.com/driveline-ai/driveline/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY progress events to SSE
// subscribers. It runs a background goroutine that calls
// db.WaitForNotification in a loop and sends each payload to the
// subscriber channels whose filter matches.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]string
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
}

// Start begins listening on the progress channel. It blocks, so call it
// in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelProgress); err != nil {
		b.logger.Error("broker: listen progress", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelProgress)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		var event model.ProgressEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			b.logger.Warn("broker: malformed notification payload", "error", err)
			continue
		}

		b.broadcast(event.ResearchID, formatSSE("progress", payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted progress
// events. A non-empty researchID restricts delivery to that run; an
// empty filter receives every event. The caller must call Unsubscribe
// when done.
func (b *Broker) Subscribe(researchID string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = researchID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to matching subscribers. Slow subscribers
// with a full buffer are skipped (their event is dropped) to prevent one
// slow client from blocking all others.
func (b *Broker) broadcast(researchID string, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != "" && filter != researchID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

// writeEvent marshals data and writes it as one SSE message.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = w.Write(formatSSE(eventType, string(encoded)))
	flusher.Flush()
}
