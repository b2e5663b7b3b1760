package replication

import (
	"log/slog"
	"sync"

	"github.com/oliverbhull/memo-node/internal/database"
)

// fanoutBufferSize bounds each subscriber's channel. A subscriber that
// falls behind loses messages rather than applying back-pressure to the
// sync server or the transcription worker.
const fanoutBufferSize = 64

// Fanout is a bounded broadcast channel for newly committed transcriptions.
// The sync server and the local transcription path both publish to it;
// the realtime push socket and the outbound webhook poster subscribe.
type Fanout struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan database.Transcription]struct{}
}

// NewFanout builds an empty Fanout. logger is used to report subscribers
// that fall behind and have messages dropped.
func NewFanout(logger *slog.Logger) *Fanout {
	return &Fanout{
		logger: logger,
		subs:   make(map[chan database.Transcription]struct{}),
	}
}

// Subscribe registers a new receiver. Call Unsubscribe when done to avoid
// leaking the channel.
func (f *Fanout) Subscribe() <-chan database.Transcription {
	ch := make(chan database.Transcription, fanoutBufferSize)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (f *Fanout) Unsubscribe(ch <-chan database.Transcription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if sub == ch {
			delete(f.subs, sub)
			close(sub)
			return
		}
	}
}

// Publish broadcasts t to every current subscriber. A subscriber whose
// buffer is full has the message dropped and the lag logged here — publish
// itself never blocks.
func (f *Fanout) Publish(t database.Transcription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub <- t:
		default:
			if f.logger != nil {
				f.logger.Warn("fanout subscriber dropped message",
					"transcription_id", t.ID, "buffer_size", fanoutBufferSize)
			}
		}
	}
}
