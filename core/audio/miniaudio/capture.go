package miniaudio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-avatar/core/audio"
)

const DefaultCaptureFrameDuration = 20 * time.Millisecond

// frameAssembler regroups device periods into frames of a fixed byte size,
// so the recognizer always receives the same amount of audio per send.
type frameAssembler struct {
	frameSize int
	pending   []byte
}

func newFrameAssembler(encodingInfo audio.EncodingInfo, frameDuration time.Duration) *frameAssembler {
	sampleSize := max(encodingInfo.Format.ByteSize(), 1)
	frameSize := int(time.Duration(encodingInfo.BytesPerSecond()) * frameDuration / time.Second)
	frameSize -= frameSize % sampleSize
	return &frameAssembler{frameSize: max(frameSize, sampleSize)}
}

// write appends input and calls emit once per complete frame. Emitted frames
// do not alias input.
func (a *frameAssembler) write(input []byte, emit func([]byte)) {
	a.pending = append(a.pending, input...)
	for len(a.pending) >= a.frameSize {
		frame := make([]byte, a.frameSize)
		copy(frame, a.pending)
		a.pending = a.pending[a.frameSize:]
		emit(frame)
	}
	if len(a.pending) == 0 {
		a.pending = nil
	}
}

// flush emits the incomplete frame left over, if any.
func (a *frameAssembler) flush(emit func([]byte)) {
	if len(a.pending) == 0 {
		return
	}
	frame := a.pending
	a.pending = nil
	emit(frame)
}

type captureClient struct {
	device        *malgo.Device
	encodingInfo  audio.EncodingInfo
	frameDuration time.Duration

	mu        sync.Mutex
	assembler *frameAssembler
	onAudio   func(audio []byte)
	captured  time.Duration
}

func (c *captureClient) Init(audioContext *malgo.AllocatedContext, encodingInfo audio.EncodingInfo, format malgo.FormatType, frameDuration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if frameDuration <= 0 {
		frameDuration = DefaultCaptureFrameDuration
	}
	c.encodingInfo = encodingInfo
	c.frameDuration = frameDuration

	sampleRate := uint32(encodingInfo.SampleRate)
	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = sampleRate
	config.Capture.Format = format
	config.Capture.Channels = audio.DefaultChannels
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = uint32(time.Duration(sampleRate) * frameDuration / time.Second)
	config.Periods = 3

	bytesPerFrame := malgo.SampleSizeInBytes(format) * audio.DefaultChannels
	device, err := malgo.InitDevice(audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(input) < n {
				return
			}
			c.receive(input[:n])
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	c.device = device
	return nil
}

// receive runs on the device thread.
func (c *captureClient) receive(input []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onAudio == nil || c.assembler == nil {
		return
	}
	c.captured += c.encodingInfo.Duration(len(input))
	c.assembler.write(input, c.onAudio)
}

func (c *captureClient) Start(onAudio func(audio []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	} else if c.device.IsStarted() {
		return nil
	}

	c.onAudio = onAudio
	c.assembler = newFrameAssembler(c.encodingInfo, c.frameDuration)
	c.captured = 0
	if err := c.device.Start(); err != nil {
		c.onAudio = nil
		c.assembler = nil
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	logger.Debug("capture started", "sample_rate", c.encodingInfo.SampleRate, "frame_duration", c.frameDuration)
	return nil
}

// Stop halts the device and delivers the trailing partial frame.
func (c *captureClient) Stop() error {
	c.mu.Lock()
	if c.device == nil {
		c.mu.Unlock()
		return fmt.Errorf("device not initialized")
	} else if !c.device.IsStarted() {
		c.mu.Unlock()
		return nil
	}
	device := c.device
	c.mu.Unlock()

	// The data callback takes mu, so the device must stop without it held.
	if err := device.Stop(); err != nil {
		return fmt.Errorf("failed to stop device: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assembler != nil && c.onAudio != nil {
		c.assembler.flush(c.onAudio)
	}
	logger.Debug("capture stopped", "captured", c.captured)
	c.onAudio = nil
	c.assembler = nil
	return nil
}

func (c *captureClient) Uninit() error {
	c.mu.Lock()
	device := c.device
	c.device = nil
	c.onAudio = nil
	c.assembler = nil
	c.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	return nil
}
