package audio

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// tickInterval is how often the buffer re-checks the recording flag even if
// no new audio chunk has arrived, so a stop edge is never missed for longer
// than this.
const tickInterval = 100 * time.Millisecond

// Chunk is one slice of PCM samples handed to the buffer as they arrive
// from the decoder.
type Chunk struct {
	Samples []int16
}

// Utterance is one complete, gated recording: everything accumulated while
// the recording flag was continuously true.
type Utterance struct {
	Samples []int16
}

// Buffer accumulates PCM into discrete utterances, gated by a shared
// recording flag flipped by the control-byte state machine in Source. It is
// edge-triggered: an utterance is emitted exactly once, the instant the flag
// transitions from true to false, never partially and never more than once
// per true→false→true cycle.
//
// The flag is sampled both when a chunk arrives and on a 100ms tick, so a
// stop edge is observed promptly even during a lull in incoming audio.
type Buffer struct {
	recording  *atomic.Bool
	chunks     <-chan Chunk
	utterances chan Utterance
	logger     *slog.Logger

	buf          []int16
	wasRecording bool
}

// NewBuffer constructs a Buffer reading chunks from chunks and gated by
// recording, which Source flips as it processes the device's control byte.
func NewBuffer(recording *atomic.Bool, chunks <-chan Chunk, logger *slog.Logger) *Buffer {
	return &Buffer{
		recording:  recording,
		chunks:     chunks,
		utterances: make(chan Utterance, 4),
		logger:     logger.With("component", "utterance-buffer"),
	}
}

// Utterances returns the channel on which completed utterances are emitted.
func (b *Buffer) Utterances() <-chan Utterance {
	return b.utterances
}

// Run drives the gate loop until done is closed or the chunks channel
// closes. Only a closed chunks channel flushes the pending accumulator;
// closing done returns immediately and discards it.
func (b *Buffer) Run(done <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case c, ok := <-b.chunks:
			if !ok {
				b.flush()
				return
			}
			b.onSample(c)
		case <-ticker.C:
			b.onTick()
		case <-done:
			return
		}
	}
}

func (b *Buffer) onSample(c Chunk) {
	recording := b.recording.Load()
	if recording {
		b.buf = append(b.buf, c.Samples...)
	}
	b.checkEdge(recording)
}

func (b *Buffer) onTick() {
	b.checkEdge(b.recording.Load())
}

// checkEdge emits the buffered utterance exactly when recording transitions
// from true to false, then resets for the next cycle.
func (b *Buffer) checkEdge(recording bool) {
	if b.wasRecording && !recording {
		if len(b.buf) > 0 {
			select {
			case b.utterances <- Utterance{Samples: b.buf}:
			default:
				b.logger.Warn("utterance dropped, downstream worker behind", "samples", len(b.buf))
			}
		}
		b.buf = nil
	}
	b.wasRecording = recording
}

// flush emits any pending accumulator as a final utterance. Called when the
// upstream chunk channel closes, so an in-progress recording isn't silently
// dropped when the audio stream ends.
func (b *Buffer) flush() {
	if len(b.buf) == 0 {
		return
	}
	select {
	case b.utterances <- Utterance{Samples: b.buf}:
	default:
		b.logger.Warn("utterance dropped on shutdown, downstream worker behind", "samples", len(b.buf))
	}
	b.buf = nil
}
