package audio_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/earshotlabs/earshot/pkg/audio"
)

func TestFileSourceReplay(t *testing.T) {
	// 200ms of constant tone at 16kHz.
	samples := make([]int16, 3200)
	for i := range samples {
		samples[i] = 500
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	if err := os.WriteFile(path, audio.EncodeWAV(samples, 16000), 0o644); err != nil {
		t.Fatal(err)
	}

	src := audio.NewFileSource(path, 16000, 50*time.Millisecond, 100)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	var total int
	for f := range src.Frames() {
		total += len(f.Samples)
	}
	if total != len(samples) {
		t.Errorf("replayed %d samples, want %d", total, len(samples))
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	src := audio.NewFileSource(filepath.Join(t.TempDir(), "nope.wav"), 16000, 0, 0)
	if err := src.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
	// Channel must still be closed so consumers do not hang.
	select {
	case _, ok := <-src.Frames():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("frame channel not closed")
	}
}
