package audio

import (
	"fmt"
	"time"
)

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"
	DefaultChannels   = 1
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

// EncodingInfo describes raw mono audio exchanged with the recognizer and the
// avatar channel.
type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) Validate() error {
	if e.IsZero() {
		return fmt.Errorf("encoding info is incomplete")
	}
	if e.Format.ByteSize() < 0 {
		return fmt.Errorf("unsupported encoding format %q", e.Format)
	}
	return nil
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case EncodingALaw:
		return 0x55
	case EncodingMulaw:
		return 0xFF
	case EncodingLinear16:
		return 0
	}

	return 0
}

// BytesPerSecond is zero for unknown formats.
func (e EncodingInfo) BytesPerSecond() int {
	if size := e.Format.ByteSize(); size > 0 {
		return e.SampleRate * size * DefaultChannels
	}
	return 0
}

// Duration returns how long audio of the given byte length plays for.
func (e EncodingInfo) Duration(byteLength int) time.Duration {
	bps := e.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(byteLength) * time.Second / time.Duration(bps)
}

// Silence returns a buffer of silence lasting d.
func (e EncodingInfo) Silence(d time.Duration) []byte {
	chunk := make([]byte, int(time.Duration(e.BytesPerSecond())*d/time.Second))
	value := e.SilenceValue()
	for i := range chunk {
		chunk[i] = value
	}
	return chunk
}

type encodingFormat string

func ParseFormat(name string) (encodingFormat, error) {
	format := encodingFormat(name)
	if format.ByteSize() < 0 {
		return "", fmt.Errorf("unsupported encoding format %q", name)
	}
	return format, nil
}

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
