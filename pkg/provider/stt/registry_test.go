package stt_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/earshotlabs/earshot/pkg/provider/stt"
	"github.com/earshotlabs/earshot/pkg/provider/stt/mock"
)

func TestRegistry_LookupRegistered(t *testing.T) {
	reg := stt.NewRegistry()
	tr := &mock.Transcriber{NameValue: "openai"}
	reg.Register("whisper-1", tr)

	got, err := reg.Lookup("whisper-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != tr {
		t.Error("Lookup returned a different transcriber than registered")
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	reg := stt.NewRegistry()

	_, err := reg.Lookup("whisper-1")
	if !errors.Is(err, stt.ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
}

func TestRegistry_SharedInstance(t *testing.T) {
	reg := stt.NewRegistry()
	tr := &mock.Transcriber{NameValue: "openai"}
	reg.Register("whisper-1", tr)
	reg.Register("gpt-4o-transcribe", tr)
	reg.Register("gpt-4o-mini-transcribe", tr)

	a, err := reg.Lookup("whisper-1")
	if err != nil {
		t.Fatalf("Lookup whisper-1: %v", err)
	}
	b, err := reg.Lookup("gpt-4o-mini-transcribe")
	if err != nil {
		t.Fatalf("Lookup gpt-4o-mini-transcribe: %v", err)
	}
	if a != b {
		t.Error("expected both model ids to resolve to the same instance")
	}
}

func TestRegistry_ModelsSorted(t *testing.T) {
	reg := stt.NewRegistry()
	reg.Register("whisper-1", &mock.Transcriber{})
	reg.Register("gemini-audio", &mock.Transcriber{})
	reg.Register("gpt-4o-transcribe", &mock.Transcriber{})

	got := reg.Models()
	want := []string{"gemini-audio", "gpt-4o-transcribe", "whisper-1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Models() = %v, want %v", got, want)
	}
}
