package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/modelgate/pkg/breaker"
	"github.com/pario-ai/modelgate/pkg/models"
	"github.com/pario-ai/modelgate/pkg/tracker"
)

// LogSink writes one structured line per event.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{logger: l}
}

func (s *LogSink) Outcome(_ context.Context, o models.InvocationOutcome) error {
	ev := s.logger.Info()
	if o.ErrorKind != models.KindNone {
		ev = s.logger.Warn().Str("error_kind", string(o.ErrorKind))
	}
	ev.Str("request_id", o.RequestID).
		Str("caller", o.Caller).
		Str("requested_model", o.RequestedModel).
		Str("model_used", o.ModelUsed).
		Str("fallback_depth", depthLabel(o.FallbackDepth)).
		Bool("cache_hit", o.CacheHit).
		Int("attempts", len(o.Attempts)).
		Int("total_tokens", o.Usage.TotalTokens).
		Dur("latency", o.Latency).
		Msg("request completed")
	return nil
}

func (s *LogSink) Transition(_ context.Context, t Transition) error {
	ev := s.logger.Info()
	if t.To == breaker.Open {
		ev = s.logger.Warn()
	}
	ev.Str("model", t.Model).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Msg("circuit breaker transition")
	return nil
}

// TrackerSink persists outcomes to the outcome store.
type TrackerSink struct {
	tr        tracker.Tracker
	retention time.Duration
	logger    zerolog.Logger
}

// NewTrackerSink creates a sink writing to tr. Records older than retention
// are pruned by RunRetention; zero keeps them forever.
func NewTrackerSink(tr tracker.Tracker, retention time.Duration, l zerolog.Logger) *TrackerSink {
	return &TrackerSink{tr: tr, retention: retention, logger: l}
}

func (s *TrackerSink) Outcome(ctx context.Context, o models.InvocationOutcome) error {
	return s.tr.Record(ctx, o.Record())
}

func (s *TrackerSink) Transition(context.Context, Transition) error { return nil }

// RunRetention prunes expired records every interval until ctx is done.
func (s *TrackerSink) RunRetention(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *TrackerSink) prune(ctx context.Context) {
	n, err := s.tr.Prune(ctx, time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Warn().Err(err).Msg("prune outcomes")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("pruned", n).Msg("pruned expired outcomes")
	}
}

// depthLabel formats a fallback depth for logs.
func depthLabel(depth int) string {
	if depth < 0 {
		return "none"
	}
	return strconv.Itoa(depth)
}
