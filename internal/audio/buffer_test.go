package audio

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBufferEmitsOnRecordingStopEdge(t *testing.T) {
	var recording atomic.Bool
	chunks := make(chan Chunk, 8)
	done := make(chan struct{})

	buf := NewBuffer(&recording, chunks, testLogger())
	go buf.Run(done)
	defer close(done)

	recording.Store(true)
	chunks <- Chunk{Samples: []int16{1, 2, 3}}
	chunks <- Chunk{Samples: []int16{4, 5}}

	// Allow the goroutine to process both chunks before flipping the edge.
	time.Sleep(20 * time.Millisecond)

	recording.Store(false)
	// Feed one more chunk so the edge is observed on chunk arrival rather
	// than waiting for the 100ms tick.
	chunks <- Chunk{Samples: nil}

	select {
	case u := <-buf.Utterances():
		want := []int16{1, 2, 3, 4, 5}
		if len(u.Samples) != len(want) {
			t.Fatalf("utterance samples = %v, want %v", u.Samples, want)
		}
		for i := range want {
			if u.Samples[i] != want[i] {
				t.Fatalf("utterance samples = %v, want %v", u.Samples, want)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for utterance")
	}
}

func TestBufferEmitsOnTickWhenNoChunkArrives(t *testing.T) {
	var recording atomic.Bool
	chunks := make(chan Chunk, 8)
	done := make(chan struct{})

	buf := NewBuffer(&recording, chunks, testLogger())
	go buf.Run(done)
	defer close(done)

	recording.Store(true)
	chunks <- Chunk{Samples: []int16{9, 9}}
	time.Sleep(20 * time.Millisecond)

	// No further chunk; the 100ms tick alone must notice the stop edge.
	recording.Store(false)

	select {
	case u := <-buf.Utterances():
		if len(u.Samples) != 2 {
			t.Fatalf("utterance samples = %v, want 2 samples", u.Samples)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick-driven utterance")
	}
}

func TestBufferDropsEmptyUtterance(t *testing.T) {
	var recording atomic.Bool
	chunks := make(chan Chunk, 8)
	done := make(chan struct{})

	buf := NewBuffer(&recording, chunks, testLogger())
	go buf.Run(done)
	defer close(done)

	// A recording cycle with no samples at all should not emit anything.
	recording.Store(true)
	time.Sleep(20 * time.Millisecond)
	recording.Store(false)
	chunks <- Chunk{Samples: nil}

	select {
	case u := <-buf.Utterances():
		t.Fatalf("unexpected utterance emitted: %+v", u)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBufferOneUtterancePerCycle(t *testing.T) {
	var recording atomic.Bool
	chunks := make(chan Chunk, 8)
	done := make(chan struct{})

	buf := NewBuffer(&recording, chunks, testLogger())
	go buf.Run(done)
	defer close(done)

	for cycle := 0; cycle < 3; cycle++ {
		recording.Store(true)
		chunks <- Chunk{Samples: []int16{int16(cycle)}}
		time.Sleep(10 * time.Millisecond)
		recording.Store(false)
		chunks <- Chunk{Samples: nil}

		select {
		case u := <-buf.Utterances():
			if len(u.Samples) != 1 || u.Samples[0] != int16(cycle) {
				t.Fatalf("cycle %d: utterance = %v, want [%d]", cycle, u.Samples, cycle)
			}
		case <-time.After(time.Second):
			t.Fatalf("cycle %d: timed out waiting for utterance", cycle)
		}

		select {
		case u := <-buf.Utterances():
			t.Fatalf("cycle %d: unexpected second utterance %+v", cycle, u)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
