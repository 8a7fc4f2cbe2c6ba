package orchestration

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-avatar/core/avatar"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// playbackJob is the avatar speech of one answer. Chunks are spoken in push
// order by a single forwarder.
type playbackJob struct {
	id      string
	turnID  string
	channel avatar.Channel
	queue   *chunkQueue

	cancelled atomic.Bool
	spoken    atomic.Int64
}

func newPlaybackJob(turnID string, channel avatar.Channel, bufferSize int) *playbackJob {
	return &playbackJob{
		id:      uuid.NewString(),
		turnID:  turnID,
		channel: channel,
		queue:   newChunkQueue(bufferSize),
	}
}

func (j *playbackJob) push(text string) (dropped bool) {
	return j.queue.Push(text)
}

// finish lets the forwarder hand the job over once the queue drains.
func (j *playbackJob) finish() {
	j.queue.Complete()
}

// cancel stops the job. Only the first call reaches the channel.
func (j *playbackJob) cancel() error {
	if !j.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	j.queue.Clear()

	if err := j.channel.Cancel(j.id); err != nil {
		return fmt.Errorf("failed to cancel playback job %s: %w", j.id, err)
	}
	return nil
}

func (j *playbackJob) isCancelled() bool {
	return j.cancelled.Load()
}

// forward speaks queued chunks until the queue completes, then finishes the
// job on the channel. It returns early, without finishing, once cancelled.
func (j *playbackJob) forward(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "forward playback job")
	defer span.End()
	span.SetAttributes(attribute.String("playback.job_id", j.id), attribute.String("playback.turn_id", j.turnID))
	defer func() { span.SetAttributes(attribute.Int64("playback.spoken_chunks", j.spoken.Load())) }()

	stopClearing := context.AfterFunc(ctx, j.queue.Clear)
	defer stopClearing()

	for chunk := range j.queue.Chunks {
		if j.isCancelled() || ctx.Err() != nil {
			return nil
		}
		if err := j.channel.Speak(ctx, j.id, chunk); err != nil {
			if j.isCancelled() {
				return nil
			}
			err = fmt.Errorf("failed to speak chunk: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		j.spoken.Add(1)
	}

	if j.isCancelled() || ctx.Err() != nil {
		return nil
	}
	if err := j.channel.Finish(j.id); err != nil {
		err = fmt.Errorf("failed to finish playback job: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
