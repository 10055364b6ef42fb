package gridlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"

	"pkt.systems/gridlock/internal/loggingutil"
	"pkt.systems/gridlock/internal/version"
)

// TelemetryConfig selects which exporters SetupTelemetry starts.
type TelemetryConfig struct {
	// OTLPEndpoint receives spans. Bare host[:port] means insecure gRPC;
	// grpc://, grpcs://, http:// and https:// select the transport.
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics on /metrics when set.
	MetricsListen string
	// RuntimeMetrics adds Go runtime metrics to the Prometheus endpoint.
	RuntimeMetrics bool
	// ServiceName defaults to "gridlock".
	ServiceName string
}

// Telemetry owns the providers and metrics listener started by
// SetupTelemetry.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsServer  *http.Server
	metricsLn      net.Listener
	logger         pslog.Logger
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// SetupTelemetry installs global OpenTelemetry providers according to cfg.
// It returns nil when nothing is enabled. Callers must Shutdown the result.
func SetupTelemetry(ctx context.Context, cfg TelemetryConfig, logger pslog.Logger) (*Telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	if endpoint == "" && metricsListen == "" {
		if cfg.RuntimeMetrics {
			return nil, fmt.Errorf("telemetry: runtime metrics require a metrics listen address")
		}
		return nil, nil
	}
	logger = loggingutil.WithSubsystem(logger, "telemetry")
	name := cfg.ServiceName
	if name == "" {
		name = "gridlock"
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version.Current()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	t := &Telemetry{logger: logger}
	if endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		switch target.protocol {
		case "grpc":
			t.tracerProvider, err = setupGRPCTracing(ctx, target, res)
		default:
			t.tracerProvider, err = setupHTTPTracing(ctx, target, res)
		}
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(t.tracerProvider)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if metricsListen != "" {
		if err := t.startMetrics(ctx, metricsListen, cfg.RuntimeMetrics, res); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
		logger.Info("telemetry.metrics.enabled", "listen", t.metricsLn.Addr().String())
	} else if cfg.RuntimeMetrics {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: runtime metrics require a metrics listen address")
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func (t *Telemetry) startMetrics(ctx context.Context, listen string, runtimeMetrics bool, res *resource.Resource) error {
	registry := prometheus.NewRegistry()
	exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeMetrics {
		exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(exporterOpts...)
	if err != nil {
		return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)
	if runtimeMetrics {
		runtimeMetricsOnce.Do(func() {
			runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(t.meterProvider))
		})
		if runtimeMetricsErr != nil {
			return fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
		}
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("telemetry: metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	t.metricsLn = ln
	t.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := t.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.metrics.serve_error", "error", err)
		}
	}()
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when metrics are off.
func (t *Telemetry) MetricsAddr() string {
	if t == nil || t.metricsLn == nil {
		return ""
	}
	return t.metricsLn.Addr().String()
}

// Shutdown flushes and stops every started component. It is safe on nil.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		t.logger.Warn("telemetry.shutdown.failure", "error", err)
		return err
	}
	t.logger.Debug("telemetry.shutdown.complete")
	return nil
}

func setupGRPCTracing(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	creds := credentials.NewClientTLSFromCert(nil, "")
	if target.insecure {
		creds = insecure.NewCredentials()
	}
	traceOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(target.endpoint),
		otlptracegrpc.WithTimeout(10 * time.Second),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
	}
	if target.insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
	}
	return newTracerProvider(exporter, res), nil
}

func setupHTTPTracing(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.endpoint),
		otlptracehttp.WithTimeout(10 * time.Second),
	}
	if target.insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	if target.path != "" && target.path != "/" {
		traceOpts = append(traceOpts, otlptracehttp.WithURLPath(target.path))
	}
	exporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
	}
	return newTracerProvider(exporter, res), nil
}

func newTracerProvider(exporter sdktrace.SpanExporter, res *resource.Resource) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
}

func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if !strings.Contains(endpoint, ":") {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return otlpTarget{protocol: "grpc", endpoint: endpoint, insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	target := otlpTarget{endpoint: u.Host, path: strings.TrimSuffix(u.Path, "/")}
	defaultPort := "4318"
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		target.protocol = "grpc"
		target.insecure = strings.EqualFold(u.Scheme, "grpc")
		defaultPort = "4317"
	case "http", "https":
		target.protocol = "http"
		target.insecure = strings.EqualFold(u.Scheme, "http")
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if target.endpoint == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if !strings.Contains(target.endpoint, ":") {
		target.endpoint = net.JoinHostPort(target.endpoint, defaultPort)
	}
	return target, nil
}
