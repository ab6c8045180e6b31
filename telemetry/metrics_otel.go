package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter            metric.Meter
	madAcquired      metric.Int64Counter
	madReleased      metric.Int64Counter
	madAcquireFailed metric.Int64Counter
	poolGrown        metric.Int64Counter
	signalDispatched metric.Int64Counter
	signalDropped    metric.Int64Counter
	stateTransition  metric.Int64Counter
	routeChecked     metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/opensm-go"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	instruments := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"opensm.mad.acquired", &o.madAcquired},
		{"opensm.mad.released", &o.madReleased},
		{"opensm.mad.acquire_failed", &o.madAcquireFailed},
		{"opensm.mad.pool_grown", &o.poolGrown},
		{"opensm.dispatcher.delivered", &o.signalDispatched},
		{"opensm.dispatcher.dropped", &o.signalDropped},
		{"opensm.state.transitions", &o.stateTransition},
		{"opensm.routes.checked", &o.routeChecked},
	}
	for _, inst := range instruments {
		counter, err := meter.Int64Counter(inst.name)
		if err != nil {
			return nil, err
		}
		*inst.dst = counter
	}
	return o, nil
}

// MadAcquired records a wrapper handed out by the pool.
func (o *OTelMetrics) MadAcquired(attrs map[string]string) {
	o.madAcquired.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// MadReleased records a wrapper returned to the pool.
func (o *OTelMetrics) MadReleased(attrs map[string]string) {
	o.madReleased.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// MadAcquireFailed counts failed acquisitions by failure kind.
func (o *OTelMetrics) MadAcquireFailed(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(LabelKind, kind))
	o.madAcquireFailed.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// PoolGrown records a growth step of the wrapper free list.
func (o *OTelMetrics) PoolGrown(attrs map[string]string) {
	o.poolGrown.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) SignalDispatched(attrs map[string]string) {
	o.signalDispatched.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, LabelKind)...))
}

func (o *OTelMetrics) SignalDropped(attrs map[string]string) {
	o.signalDropped.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, LabelKind)...))
}

func (o *OTelMetrics) StateTransition(attrs map[string]string) {
	o.stateTransition.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, LabelFrom, LabelTo)...))
}

func (o *OTelMetrics) RouteChecked(attrs map[string]string) {
	o.routeChecked.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, LabelStatus)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(LabelComponent, attrs[LabelComponent])}
}

func otelAttrsWith(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
