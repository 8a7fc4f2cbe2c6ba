package orchestration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/koscakluka/ema-avatar/core/avatar"
)

func TestPlaybackJobSpeaksInOrderThenFinishes(t *testing.T) {
	channel := &channelStub{options: avatar.NewOptions()}
	job := newPlaybackJob("turn", channel, 8)

	for _, chunk := range []string{"c1", "c2", "c3"} {
		job.push(chunk)
	}
	job.finish()

	if err := job.forward(context.Background()); err != nil {
		t.Fatalf("unexpected forward error: %v", err)
	}

	expected := []string{
		"speak:" + job.id + ":c1",
		"speak:" + job.id + ":c2",
		"speak:" + job.id + ":c3",
		"finish:" + job.id,
	}
	if got := channel.snapshot(); strings.Join(got, "|") != strings.Join(expected, "|") {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}

func TestPlaybackJobCancelIsIdempotent(t *testing.T) {
	channel := &channelStub{options: avatar.NewOptions()}
	job := newPlaybackJob("turn", channel, 8)

	for range 3 {
		if err := job.cancel(); err != nil {
			t.Fatalf("unexpected cancel error: %v", err)
		}
	}
	if cancels := channel.callsWithPrefix("cancel:"); len(cancels) != 1 {
		t.Fatalf("expected one channel cancel, got %v", cancels)
	}
}

func TestCancelledPlaybackJobStopsForwarding(t *testing.T) {
	channel := &channelStub{options: avatar.NewOptions(), speakGate: make(chan struct{})}
	job := newPlaybackJob("turn", channel, 8)
	job.push("spoken")
	job.push("never spoken")

	done := make(chan error, 1)
	go func() { done <- job.forward(context.Background()) }()

	channel.speakGate <- struct{}{}
	waitForCondition(t, "first chunk spoken", func() bool { return len(channel.callsWithPrefix("speak:")) == 1 })
	if err := job.cancel(); err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	go func() {
		select {
		case channel.speakGate <- struct{}{}:
		case <-time.After(time.Second):
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected cancelled forward to end cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for forwarder")
	}

	if speaks := channel.callsWithPrefix("speak:"); len(speaks) != 1 {
		t.Fatalf("expected speech to stop at cancel, got %v", speaks)
	}
	if finishes := channel.callsWithPrefix("finish:"); len(finishes) != 0 {
		t.Fatalf("expected no finish for a cancelled job, got %v", finishes)
	}
}

func TestPlaybackJobStopsWhenSessionEnds(t *testing.T) {
	channel := &channelStub{options: avatar.NewOptions()}
	job := newPlaybackJob("turn", channel, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.forward(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected forwarder to stop with its context")
	}
	if calls := channel.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no channel calls, got %v", calls)
	}
}

func TestBackpressureKeepsNewestChunks(t *testing.T) {
	channel := &channelStub{options: avatar.NewOptions(), speakGate: make(chan struct{})}
	job := newPlaybackJob("turn", channel, 2)

	done := make(chan error, 1)
	job.push("c1")
	go func() { done <- job.forward(context.Background()) }()
	waitForCondition(t, "first chunk taken", func() bool { return job.queue.Len() == 0 })

	dropped := 0
	for _, chunk := range []string{"c2", "c3", "c4", "c5"} {
		if job.push(chunk) {
			dropped++
		}
	}
	job.finish()
	if dropped != 2 {
		t.Fatalf("expected 2 drops with a buffer of 2, got %d", dropped)
	}

	go func() {
		for range 3 {
			channel.speakGate <- struct{}{}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for forwarder")
	}

	speaks := channel.callsWithPrefix("speak:")
	texts := []string{}
	for _, speak := range speaks {
		texts = append(texts, speak[strings.LastIndex(speak, ":")+1:])
	}
	if strings.Join(texts, ",") != "c1,c4,c5" {
		t.Fatalf("expected c1 then the newest chunks, got %v", texts)
	}
}
