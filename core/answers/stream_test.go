package answers

import (
	"context"
	"errors"
	"iter"
	"testing"
)

type sliceSequence struct {
	chunks []Chunk
	err    error
}

func (s sliceSequence) Chunks(context.Context) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for _, chunk := range s.chunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if s.err != nil {
			yield(Chunk{}, s.err)
		}
	}
}

func TestCollectJoinsUntilComplete(t *testing.T) {
	text, err := Collect(context.Background(), sliceSequence{chunks: []Chunk{
		{Text: "Hello, "}, {Text: "world"}, {Complete: true}, {Text: "ignored"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello, world" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestCollectWithoutMarkerIsInterrupted(t *testing.T) {
	text, err := Collect(context.Background(), sliceSequence{chunks: []Chunk{{Text: "partial"}}})
	if !errors.Is(err, ErrStreamInterrupted) {
		t.Fatalf("expected ErrStreamInterrupted, got %v", err)
	}
	if text != "partial" {
		t.Fatalf("expected partial text kept, got %q", text)
	}
}

func TestCollectReturnsStreamError(t *testing.T) {
	streamErr := errors.New("boom")
	_, err := Collect(context.Background(), sliceSequence{err: streamErr})
	if !errors.Is(err, streamErr) {
		t.Fatalf("expected stream error, got %v", err)
	}
}
