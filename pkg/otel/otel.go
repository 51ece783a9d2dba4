// Package otel provides OpenTelemetry SDK initialization and the shared
// stderr log handler.
package otel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ServiceName string
	Environment string
	// TraceWriter receives exported spans as JSON lines; nil disables export.
	TraceWriter io.Writer
}

// InitResult holds the logger and shutdown function from Init.
type InitResult struct {
	Logger   *slog.Logger
	Shutdown func(context.Context) error
}

// Init sets up the tracer provider and returns a structured logger. Tracing
// degrades to a no-op provider when no writer is configured.
func Init(cfg Config) (*InitResult, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironmentName(cfg.Environment),
		),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	shutdown := func(context.Context) error { return nil }

	if cfg.TraceWriter != nil {
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(cfg.TraceWriter),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter,
				sdktrace.WithBatchTimeout(5*time.Second),
			),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)

		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdown = tp.Shutdown
	}

	logger := slog.New(NewPrettyHandler())
	return &InitResult{Logger: logger, Shutdown: shutdown}, nil
}

// Tracer returns a tracer for the given instrumentation name.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// NewPrettyHandler returns a slog.Handler that formats as [LEVEL hh:mm:ss] msg key=value ...
func NewPrettyHandler() slog.Handler {
	return &prettyHandler{level: slog.LevelInfo, w: os.Stderr}
}

// prettyHandler formats log records as [LEVEL hh:mm:ss] msg key=value ...
type prettyHandler struct {
	level slog.Level
	w     *os.File
	attrs []slog.Attr
	group string
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	ts := r.Time.Format("15:04:05")

	var buf []byte
	buf = append(buf, '[')
	buf = append(buf, level...)
	buf = append(buf, ' ')
	buf = append(buf, ts...)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, a)
		return true
	})

	buf = append(buf, '\n')
	_, err := h.w.Write(buf)
	return err
}

func (h *prettyHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	buf = append(buf, ' ')
	if h.group != "" {
		buf = append(buf, h.group...)
		buf = append(buf, '.')
	}
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	buf = append(buf, a.Value.String()...)
	return buf
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &prettyHandler{level: h.level, w: h.w, attrs: newAttrs, group: h.group}
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	g := name
	if h.group != "" {
		g = h.group + "." + name
	}
	return &prettyHandler{level: h.level, w: h.w, attrs: h.attrs, group: g}
}
