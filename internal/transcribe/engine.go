// Package transcribe turns gated utterances into text via a local speech
// engine, one utterance at a time.
package transcribe

import (
	"fmt"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// modelFiles maps a configured model shorthand to the ggml weights file it
// resolves to. A name that already ends in ".bin" is passed through
// unresolved by ModelFile, matching the "pass through if already a model
// filename" rule.
var modelFiles = map[string]string{
	"base.en":  "ggml-base.en.bin",
	"small.en": "ggml-small.en-q5_1.bin",
	"tiny.en":  "ggml-tiny.en.bin",
}

// ModelFile resolves a configured model name to its weights filename. A
// name already ending in ".bin" is assumed to already be a model filename
// and is returned unchanged.
func ModelFile(model string) (string, error) {
	if strings.HasSuffix(model, ".bin") {
		return model, nil
	}
	f, ok := modelFiles[model]
	if !ok {
		return "", fmt.Errorf("unknown transcription model %q", model)
	}
	return f, nil
}

// Engine transcribes 16kHz mono PCM into text. Implementations are not
// assumed to be safe for concurrent use; Worker serializes all calls with
// its own mutex, so an Engine only ever sees one Transcribe call at a time.
type Engine interface {
	Transcribe(pcm []int16) (string, error)
	Close() error
}

// whisperCtxMu guards construction of whisper.cpp's underlying C model
// context, which the upstream binding documents as unsafe to initialize
// concurrently from multiple goroutines.
var whisperCtxMu sync.Mutex

// whisperEngine is the production Engine backed by whisper.cpp via its
// upstream cgo Go binding.
type whisperEngine struct {
	model   whisper.Model
	threads uint
}

// NewWhisperEngine loads modelPath (a ggml model file) and warms it up with
// a short silent buffer, matching the spec's "engine is warmed up at
// construction" requirement so the first real utterance doesn't pay cold
// model-load latency.
func NewWhisperEngine(modelPath string, threads int) (Engine, error) {
	whisperCtxMu.Lock()
	model, err := whisper.New(modelPath)
	whisperCtxMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("loading whisper model %s: %w", modelPath, err)
	}

	e := &whisperEngine{model: model, threads: uint(threads)}

	// Warm-up transcription of 200ms of silence at 16kHz.
	silence := make([]int16, 3200)
	if _, err := e.Transcribe(silence); err != nil {
		model.Close()
		return nil, fmt.Errorf("warming up whisper model: %w", err)
	}

	return e, nil
}

// Transcribe runs one blocking inference over pcm and returns the
// concatenated text of every emitted segment.
func (e *whisperEngine) Transcribe(pcm []int16) (string, error) {
	ctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("creating whisper context: %w", err)
	}

	if e.threads > 0 {
		ctx.SetThreads(e.threads)
	}

	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768.0
	}

	if err := ctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("running whisper inference: %w", err)
	}

	var b strings.Builder
	for {
		seg, err := ctx.NextSegment()
		if err != nil {
			break
		}
		b.WriteString(seg.Text)
	}

	return strings.TrimSpace(b.String()), nil
}

func (e *whisperEngine) Close() error {
	return e.model.Close()
}
