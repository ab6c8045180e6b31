// Package telemetry carries the logging, tracing and metric hooks shared by the
// subnet manager components. Every hook is optional; components hold an
// Emitter and never check for nil collaborators themselves.
package telemetry

import (
	"fmt"
	"strings"
)

// Logger provides leveled printf-style logging. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
	Warnw(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or span events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap sweep and dump activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Field is a single key/value pair attached to a log line, span event or metric.
type Field struct {
	Key   string
	Value any
}

// KV builds a Field.
func KV(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type level int

const (
	levelDebug level = iota
	levelWarn
	levelError
)

// Emitter fans a component's events out to its logger, tracer and metric hook.
type Emitter struct {
	component  string
	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook
}

// Options bundles the optional telemetry collaborators of a component.
type Options struct {
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// NewEmitter builds an Emitter for component. When no structured logger is
// supplied but the plain logger implements StructuredLogger, it is used for both.
func NewEmitter(component string, opts Options) *Emitter {
	logger := opts.Logger
	if logger == nil {
		logger = NopLogger()
	}
	structured := opts.StructuredLogger
	if structured == nil {
		if s, ok := logger.(StructuredLogger); ok {
			structured = s
		}
	}
	return &Emitter{
		component:  component,
		logger:     logger,
		structured: structured,
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
	}
}

// Options returns the collaborators the emitter was built with, so a component
// can hand the same telemetry to the sub-components it owns.
func (e *Emitter) Options() Options {
	if e == nil {
		return Options{}
	}
	return Options{Logger: e.logger, StructuredLogger: e.structured, Tracer: e.tracer, Metrics: e.metrics}
}

func (e *Emitter) Debugf(format string, args ...any) {
	if e == nil {
		return
	}
	e.logger.Debugf(format, args...)
}

func (e *Emitter) Infof(format string, args ...any) {
	if e == nil {
		return
	}
	e.logger.Infof(format, args...)
}

func (e *Emitter) Warnf(format string, args ...any) {
	if e == nil {
		return
	}
	e.logger.Warnf(format, args...)
}

func (e *Emitter) Errorf(format string, args ...any) {
	if e == nil {
		return
	}
	e.logger.Errorf(format, args...)
}

// Event logs a debug-level structured event.
func (e *Emitter) Event(event string, fields ...Field) {
	e.emit(levelDebug, event, fields...)
}

// Warn logs a warning-level structured event.
func (e *Emitter) Warn(event string, fields ...Field) {
	e.emit(levelWarn, event, fields...)
}

// Error logs an error-level structured event.
func (e *Emitter) Error(event string, fields ...Field) {
	e.emit(levelError, event, fields...)
}

func (e *Emitter) emit(lvl level, event string, fields ...Field) {
	if e == nil {
		return
	}
	if e.structured != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.Key == "" {
				continue
			}
			kv = append(kv, field.Key, field.Value)
		}
		switch lvl {
		case levelWarn:
			e.structured.Warnw(e.component, kv...)
		case levelError:
			e.structured.Errorw(e.component, kv...)
		default:
			e.structured.Debugw(e.component, kv...)
		}
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.Key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.Value))
	}
	switch lvl {
	case levelWarn:
		e.logger.Warnf("%s %s", e.component, b.String())
	case levelError:
		e.logger.Errorf("%s %s", e.component, b.String())
	default:
		e.logger.Debugf("%s %s", e.component, b.String())
	}
}

// StartSpan opens a span when a tracer is configured; it returns nil otherwise.
func (e *Emitter) StartSpan(name string, fields ...Field) Span {
	if e == nil || e.tracer == nil {
		return nil
	}
	attrs := append([]TraceAttribute{{Key: "component", Value: e.component}}, attributesFromFields(fields...)...)
	return e.tracer.StartSpan(name, attrs...)
}

// SpanEvent records an event on span; a nil span is ignored.
func SpanEvent(span Span, name string, fields ...Field) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

// SpanError records err on span; nil values are ignored.
func SpanError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

// EndSpan finishes span with err; a nil span is ignored.
func EndSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func attributesFromFields(fields ...Field) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.Key, Value: field.Value})
	}
	return attrs
}

// Attrs converts fields into the flat label map handed to MetricHook implementations.
func (e *Emitter) Attrs(fields ...Field) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	if e != nil {
		attrs[LabelComponent] = e.component
	}
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		attrs[field.Key] = fmt.Sprint(field.Value)
	}
	return attrs
}

func (e *Emitter) MetricMadAcquired(fields ...Field) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.MadAcquired(e.Attrs(fields...))
}

func (e *Emitter) MetricMadReleased(fields ...Field) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.MadReleased(e.Attrs(fields...))
}

func (e *Emitter) MetricMadAcquireFailed(kind string, err error, fields ...Field) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.MadAcquireFailed(kind, err, e.Attrs(fields...))
}

func (e *Emitter) MetricPoolGrown(fields ...Field) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.PoolGrown(e.Attrs(fields...))
}

func (e *Emitter) MetricSignalDispatched(fields ...Field) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.SignalDispatched(e.Attrs(fields...))
}

func (e *Emitter) MetricSignalDropped(fields ...Field) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.SignalDropped(e.Attrs(fields...))
}

func (e *Emitter) MetricStateTransition(fields ...Field) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.StateTransition(e.Attrs(fields...))
}

func (e *Emitter) MetricRouteChecked(fields ...Field) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.RouteChecked(e.Attrs(fields...))
}
