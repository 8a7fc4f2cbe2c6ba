package orchestration

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/koscakluka/ema-avatar/core"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var (
	bargeInCounter, _ = meter.Int64Counter("session.barge_ins",
		metric.WithDescription("Answers abandoned because the user spoke over them"))
	chunkDropCounter, _ = meter.Int64Counter("playback.dropped_chunks",
		metric.WithDescription("Answer chunks dropped because the playback buffer was full"))
	fallbackCounter, _ = meter.Int64Counter("answer.fallbacks",
		metric.WithDescription("Turns answered with the fallback message"))
)
