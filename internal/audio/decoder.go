// Package audio implements the wearable audio pipeline: bundle decoding,
// BLE ingest, and utterance gating.
package audio

import (
	"fmt"
	"log/slog"

	"github.com/hraban/opus"
)

// bundleFrameSamples is the number of PCM samples per opus frame at 16kHz
// for a 20ms frame, the frame duration the wearable device encodes with.
const bundleFrameSamples = 320

// maxFramesPerBundle is a defensive cap on the declared frame count; a
// bundle claiming more is treated as garbage and dropped whole.
const maxFramesPerBundle = 10

// BundleDecoder decodes the wire bundles sent by the wearable device into
// linear PCM. One bundle may carry several opus frames back to back; each
// frame is decoded independently and a failure to decode one frame does not
// abort the rest of the bundle.
//
// A bundle is laid out as:
//
//	[bundle_index:1][num_frames:1]([frame_size:1][frame_data:frame_size])*
//
// Not thread-safe: a BundleDecoder is owned by exactly one Source goroutine.
type BundleDecoder struct {
	decoder *opus.Decoder
	logger  *slog.Logger
}

// NewBundleDecoder constructs a decoder for 16kHz mono opus audio. This is
// the only call that can fail: an unsupported sample rate or channel count
// is rejected by the underlying libopus binding at construction time.
func NewBundleDecoder(logger *slog.Logger) (*BundleDecoder, error) {
	dec, err := opus.NewDecoder(16000, 1)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	return &BundleDecoder{decoder: dec, logger: logger.With("component", "bundle-decoder")}, nil
}

// Decode parses one wire bundle and returns the concatenated PCM samples
// from every frame that decoded successfully. A bundle shorter than 2 bytes,
// a declared frame count of zero, or a frame whose declared size runs past
// the end of the bundle all result in whatever samples were already decoded
// being returned with a nil error — truncated or garbage bundles never halt
// the ingest pipeline.
func (d *BundleDecoder) Decode(encoded []byte) ([]int16, error) {
	if len(encoded) < 2 {
		return nil, nil
	}

	// byte 0 is the bundle index; the ingest pipeline doesn't need it for
	// ordering since the utterance buffer doesn't reorder bundles.
	body := encoded[1:]
	numFrames := int(body[0])

	if numFrames == 0 {
		return nil, nil
	}
	if numFrames > maxFramesPerBundle {
		return nil, nil
	}

	var samples []int16
	offset := 1

	for i := 0; i < numFrames; i++ {
		if offset >= len(body) {
			break
		}

		frameSize := int(body[offset])
		offset++

		if frameSize == 0 {
			continue
		}

		if offset+frameSize > len(body) {
			break
		}

		frame := body[offset : offset+frameSize]
		offset += frameSize

		out := make([]int16, bundleFrameSamples)
		n, err := d.decoder.Decode(frame, out)
		if err != nil {
			d.logger.Debug("dropping undecodable opus frame", "error", err, "frame_index", i)
			continue
		}
		samples = append(samples, out[:n]...)
	}

	return samples, nil
}
