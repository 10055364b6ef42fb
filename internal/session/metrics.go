package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type sessionMetrics struct {
	connects      metric.Int64Counter
	disconnects   metric.Int64Counter
	notifications metric.Int64Counter
	discarded     metric.Int64Counter
	rejections    metric.Int64Counter
}

func newSessionMetrics(logger pslog.Logger) *sessionMetrics {
	meter := otel.Meter("pkt.systems/gridlock/session")
	m := &sessionMetrics{}
	var err error

	m.connects, err = meter.Int64Counter(
		"gridlock.session.connects",
		metric.WithDescription("Connect attempts by outcome"),
	)
	logMetricInitError(logger, "gridlock.session.connects", err)

	m.disconnects, err = meter.Int64Counter(
		"gridlock.session.disconnects",
		metric.WithDescription("Session teardowns by reason"),
	)
	logMetricInitError(logger, "gridlock.session.disconnects", err)

	m.notifications, err = meter.Int64Counter(
		"gridlock.session.notifications",
		metric.WithDescription("Server-pushed lock notifications applied"),
	)
	logMetricInitError(logger, "gridlock.session.notifications", err)

	m.discarded, err = meter.Int64Counter(
		"gridlock.session.frames.discarded",
		metric.WithDescription("Stray replies dropped while waiting for another command"),
	)
	logMetricInitError(logger, "gridlock.session.frames.discarded", err)

	m.rejections, err = meter.Int64Counter(
		"gridlock.session.rejections",
		metric.WithDescription("Commands rejected by the lock server"),
	)
	logMetricInitError(logger, "gridlock.session.rejections", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("session.metrics.init_failed", "metric", name, "error", err)
}

func (m *sessionMetrics) add(counter metric.Int64Counter, key, value string) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String(key, value)))
}
