package transcribe

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oliverbhull/memo-node/internal/audio"
	"github.com/oliverbhull/memo-node/internal/database"
)

// Sink is the subset of the Store's contract the worker needs: handing a
// freshly transcribed utterance off to durable storage.
type Sink interface {
	Insert(ctx context.Context, t *database.Transcription) error
}

// Publisher broadcasts a newly committed transcription to realtime
// subscribers. Locally produced records fan out exactly like records
// received over replication, matching the spec's single fan-out point.
type Publisher interface {
	Publish(t database.Transcription)
}

// Worker serializes utterances from a Buffer through a single Engine so
// that at most one transcription runs at a time, then wraps non-empty
// output into a Transcription and hands it to the Store.
type Worker struct {
	engine     Engine
	sink       Sink
	fanout     Publisher
	sourceNode string

	mu     sync.Mutex
	logger *slog.Logger
}

// NewWorker builds a Worker around engine, writing finalized records under
// sourceNode's identity to sink and publishing them to fanout. fanout may
// be nil, in which case locally produced transcriptions are stored but not
// broadcast.
func NewWorker(engine Engine, sink Sink, fanout Publisher, sourceNode string, logger *slog.Logger) *Worker {
	return &Worker{
		engine:     engine,
		sink:       sink,
		fanout:     fanout,
		sourceNode: sourceNode,
		logger:     logger.With("component", "transcription-worker"),
	}
}

// Run consumes utterances until utterances closes, transcribing each in
// turn. A transcription error or empty-after-trim output drops the
// utterance and moves on; audio is not replayable and there is no retry.
func (w *Worker) Run(ctx context.Context, utterances <-chan audio.Utterance) {
	for {
		select {
		case u, ok := <-utterances:
			if !ok {
				return
			}
			w.process(ctx, u)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, u audio.Utterance) {
	w.mu.Lock()
	text, err := w.engine.Transcribe(u.Samples)
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("transcription failed, dropping utterance", "error", err, "samples", len(u.Samples))
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	t := &database.Transcription{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().Unix(),
		Text:       text,
		SourceNode: w.sourceNode,
		DeviceID:   "",
		Synced:     false,
	}

	if err := w.sink.Insert(ctx, t); err != nil {
		w.logger.Error("failed to store transcription", "error", err, "id", t.ID)
		return
	}

	if w.fanout != nil {
		w.fanout.Publish(*t)
	}
}
