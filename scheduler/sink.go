package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
)

// Sink receives, per cycle and per source, either the source's full history
// or the error that stopped it. Never both, never twice.
type Sink interface {
	RenderHistory(source string, history []collector.Sample)
	RenderError(source string, err error)
}

// CycleObserver is implemented by sinks that want to know when cycles start
// and end.
type CycleObserver interface {
	CycleStarted(id string, at time.Time)
	CycleFinished(id string, took time.Duration)
}

// Tee fans every call out to all sinks in order.
func Tee(sinks ...Sink) Sink {
	return teeSink(sinks)
}

type teeSink []Sink

func (t teeSink) RenderHistory(source string, history []collector.Sample) {
	for _, s := range t {
		s.RenderHistory(source, history)
	}
}

func (t teeSink) RenderError(source string, err error) {
	for _, s := range t {
		s.RenderError(source, err)
	}
}

func (t teeSink) CycleStarted(id string, at time.Time) {
	for _, s := range t {
		if o, ok := s.(CycleObserver); ok {
			o.CycleStarted(id, at)
		}
	}
}

func (t teeSink) CycleFinished(id string, took time.Duration) {
	for _, s := range t {
		if o, ok := s.(CycleObserver); ok {
			o.CycleFinished(id, took)
		}
	}
}

// LogSink writes a one-line summary per source to the logger. It is the
// presentation used when no terminal or web UI is attached.
type LogSink struct {
	Log *zap.Logger
}

func (l LogSink) RenderHistory(source string, history []collector.Sample) {
	fields := []zap.Field{
		zap.String("source", source),
		zap.Int("samples", len(history)),
	}
	latest := collector.Latest(history)
	if len(latest) > 0 {
		fields = append(fields, zap.Time("captured_at", latest[0].CapturedAt))
	}
	var pending int64
	for _, smp := range latest {
		pending += smp.PendingFiles()
		l.Log.Debug("table status",
			zap.String("source", source),
			zap.String("table", smp.Table()),
			zap.Int64("pending_files", smp.PendingFiles()),
			zap.Float64("acceleration_pct", smp.AccelerationPercent()))
	}
	fields = append(fields, zap.Int("tables", len(latest)), zap.Int64("pending_files", pending))
	l.Log.Info("source history", fields...)
}

func (l LogSink) RenderError(source string, err error) {
	l.Log.Error("source error", zap.String("source", source), zap.Error(err))
}
