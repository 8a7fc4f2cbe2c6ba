package audio

import (
	"testing"
	"time"
)

func TestDefaultEncodingInfoIsValid(t *testing.T) {
	info := GetDefaultEncodingInfo()
	if err := info.Validate(); err != nil {
		t.Fatalf("expected default encoding to be valid, got %v", err)
	}
	if got := info.BytesPerSecond(); got != 32000 {
		t.Fatalf("expected 32000 bytes per second, got %d", got)
	}
}

func TestDurationAndSilenceAgree(t *testing.T) {
	info := EncodingInfo{SampleRate: 8000, Format: EncodingMulaw}

	silence := info.Silence(50 * time.Millisecond)
	if len(silence) != 400 {
		t.Fatalf("expected 400 bytes of silence, got %d", len(silence))
	}
	for i, b := range silence {
		if b != 0xFF {
			t.Fatalf("expected mulaw silence at %d, got %x", i, b)
		}
	}
	if got := info.Duration(len(silence)); got != 50*time.Millisecond {
		t.Fatalf("expected 50ms, got %s", got)
	}
}

func TestParseFormatRejectsUnknown(t *testing.T) {
	if _, err := ParseFormat("opus"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
	format, err := ParseFormat("alaw")
	if err != nil || format != EncodingALaw {
		t.Fatalf("expected alaw, got %q (%v)", format, err)
	}
}
