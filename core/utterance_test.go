package orchestration

import (
	"testing"
	"time"
)

func TestUtteranceIsFrozenOnceFinalized(t *testing.T) {
	utterance := &Utterance{}
	if !utterance.update("what") || !utterance.update("what is") {
		t.Fatalf("expected interim updates to apply")
	}

	submittedAt := time.Now()
	if !utterance.finalize("what is EMA", submittedAt) {
		t.Fatalf("expected finalize to apply")
	}
	if utterance.update("something else") {
		t.Fatalf("expected update after finalize to be rejected")
	}
	if utterance.finalize("again", time.Now().Add(time.Second)) {
		t.Fatalf("expected second finalize to be rejected")
	}

	if utterance.Text != "what is EMA" || !utterance.Finalized || !utterance.SubmittedAt.Equal(submittedAt) {
		t.Fatalf("unexpected utterance %+v", utterance)
	}
}
