package audio

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBundleDecoderEmptyInput(t *testing.T) {
	d, err := NewBundleDecoder(testLogger())
	if err != nil {
		t.Fatalf("NewBundleDecoder() error: %v", err)
	}

	samples, err := d.Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil) error: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("Decode(nil) = %v, want empty", samples)
	}

	samples, err = d.Decode([]byte{0x01})
	if err != nil {
		t.Fatalf("Decode(1 byte) error: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("Decode(1 byte) = %v, want empty", samples)
	}
}

func TestBundleDecoderZeroFrames(t *testing.T) {
	d, err := NewBundleDecoder(testLogger())
	if err != nil {
		t.Fatalf("NewBundleDecoder() error: %v", err)
	}

	// bundle_index=0x00, num_frames=0.
	samples, err := d.Decode([]byte{0x00, 0x00})
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("Decode() = %v, want empty for zero declared frames", samples)
	}
}

func TestBundleDecoderTruncatedFrame(t *testing.T) {
	d, err := NewBundleDecoder(testLogger())
	if err != nil {
		t.Fatalf("NewBundleDecoder() error: %v", err)
	}

	// bundle_index=0x00, num_frames=1, frame_size=10, but only 2 bytes of
	// frame data actually follow: the decoder must stop cleanly, not panic.
	bundle := []byte{0x00, 0x01, 0x0A, 0xAB, 0xCD}
	samples, err := d.Decode(bundle)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("Decode() = %v, want empty for a frame declared larger than available data", samples)
	}
}

func TestBundleDecoderAbsurdFrameCount(t *testing.T) {
	d, err := NewBundleDecoder(testLogger())
	if err != nil {
		t.Fatalf("NewBundleDecoder() error: %v", err)
	}

	// num_frames=255 is over the 10-frame cap: the whole bundle is dropped
	// before any frame is read, not looped over 255 times or panicked on.
	bundle := []byte{0x00, 0xFF}
	samples, err := d.Decode(bundle)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("Decode() = %v, want empty", samples)
	}
}

func TestBundleDecoderSkipsUndecodableFrameButContinues(t *testing.T) {
	d, err := NewBundleDecoder(testLogger())
	if err != nil {
		t.Fatalf("NewBundleDecoder() error: %v", err)
	}

	// Two declared frames of garbage bytes that are not valid opus payloads.
	// Both should fail to decode and be skipped, with no error surfaced and
	// no partial-bundle abort.
	bundle := []byte{
		0x00, 0x02,
		0x04, 0x01, 0x02, 0x03, 0x04,
		0x04, 0x05, 0x06, 0x07, 0x08,
	}
	samples, err := d.Decode(bundle)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("Decode() = %v, want empty since neither frame is valid opus", samples)
	}
}
