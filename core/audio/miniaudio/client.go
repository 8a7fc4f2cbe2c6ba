package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-avatar/core/audio"
)

// Device captures microphone audio and plays avatar speech on the default
// sound devices.
type Device struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext  *malgo.AllocatedContext
	encodingInfo  audio.EncodingInfo
	frameDuration time.Duration
	playbackClient
	captureClient
}

type DeviceOption func(*Device)

// WithEncodingInfo sets the format of both captured and played audio.
func WithEncodingInfo(encodingInfo audio.EncodingInfo) DeviceOption {
	return func(d *Device) {
		if !encodingInfo.IsZero() {
			d.encodingInfo = encodingInfo
		}
	}
}

// WithCaptureFrameDuration sets how much microphone audio is delivered per
// callback.
func WithCaptureFrameDuration(frameDuration time.Duration) DeviceOption {
	return func(d *Device) {
		if frameDuration > 0 {
			d.frameDuration = frameDuration
		}
	}
}

func NewDevice(opts ...DeviceOption) (*Device, error) {
	device := &Device{encodingInfo: audio.GetDefaultEncodingInfo(), frameDuration: DefaultCaptureFrameDuration}
	for _, opt := range opts {
		opt(device)
	}

	format, err := malgoFormat(device.encodingInfo)
	if err != nil {
		return nil, err
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	device.audioContext = audioCtx

	sampleRate := uint32(device.encodingInfo.SampleRate)
	if err := device.playbackClient.Init(audioCtx, sampleRate, format); err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to initialize playback client: %w", err)
	}
	if err := device.playbackClient.Start(); err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}
	if err := device.captureClient.Init(audioCtx, device.encodingInfo, format, device.frameDuration); err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to initialize capture client: %w", err)
	}

	return device, nil
}

func (d *Device) StartCapture(_ context.Context, onAudio func(audio []byte)) error {
	return d.captureClient.Start(onAudio)
}

func (d *Device) StopCapture() error {
	return d.captureClient.Stop()
}

// Play queues audio for playback.
func (d *Device) Play(audio []byte) error {
	return d.playbackClient.SendAudio(audio)
}

// Flush drops audio that has not been played yet.
func (d *Device) Flush() {
	d.playbackClient.ClearBuffer()
}

func (d *Device) EncodingInfo() audio.EncodingInfo {
	return d.encodingInfo
}

func (d *Device) Close() {
	_ = d.captureClient.Uninit()
	_ = d.playbackClient.Uninit()
	if d.audioContext != nil {
		_ = d.audioContext.Uninit()
		d.audioContext.Free()
		d.audioContext = nil
	}
}

var ErrUnsupportedFormat = errors.New("audio format not supported by device")

// malgoFormat maps an encoding to a device sample format. Companded formats
// are transmitted only and cannot be played or captured directly.
func malgoFormat(encodingInfo audio.EncodingInfo) (malgo.FormatType, error) {
	if err := encodingInfo.Validate(); err != nil {
		return malgo.FormatUnknown, err
	}
	if encodingInfo.Format != audio.EncodingLinear16 {
		return malgo.FormatUnknown, fmt.Errorf("%w: %s", ErrUnsupportedFormat, encodingInfo.Format.Name())
	}
	return malgo.FormatS16, nil
}
