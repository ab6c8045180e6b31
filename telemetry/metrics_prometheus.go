package telemetry

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	madAcquired      *prometheus.CounterVec
	madReleased      *prometheus.CounterVec
	madAcquireFailed *prometheus.CounterVec
	poolGrown        *prometheus.CounterVec
	signalDispatched *prometheus.CounterVec
	signalDropped    *prometheus.CounterVec
	stateTransition  *prometheus.CounterVec
	routeChecked     *prometheus.CounterVec
}

var (
	componentLabelKeys  = []string{LabelComponent}
	failureLabelKeys    = []string{LabelComponent, LabelKind}
	signalLabelKeys     = []string{LabelComponent, LabelKind}
	transitionLabelKeys = []string{LabelComponent, LabelFrom, LabelTo}
	routeLabelKeys      = []string{LabelComponent, LabelStatus}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		madAcquired:      counter("opensm_mad_acquired_total", "Number of MAD wrappers handed out by the pool", componentLabelKeys),
		madReleased:      counter("opensm_mad_released_total", "Number of MAD wrappers returned to the pool", componentLabelKeys),
		madAcquireFailed: counter("opensm_mad_acquire_failed_total", "Number of failed MAD wrapper acquisitions", failureLabelKeys),
		poolGrown:        counter("opensm_mad_pool_grown_total", "Number of times the MAD pool grew its free list", componentLabelKeys),
		signalDispatched: counter("opensm_dispatcher_delivered_total", "Number of messages delivered to a registered handler", signalLabelKeys),
		signalDropped:    counter("opensm_dispatcher_dropped_total", "Number of messages dropped without a handler", signalLabelKeys),
		stateTransition:  counter("opensm_state_transitions_total", "Number of sweep state machine transitions", transitionLabelKeys),
		routeChecked:     counter("opensm_routes_checked_total", "Number of unicast routes checked by the validator", routeLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.madAcquired,
		&p.madReleased,
		&p.madAcquireFailed,
		&p.poolGrown,
		&p.signalDispatched,
		&p.signalDropped,
		&p.stateTransition,
		&p.routeChecked,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusMetrics) MadAcquired(attrs map[string]string) {
	p.madAcquired.With(labels(attrs, componentLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MadReleased(attrs map[string]string) {
	p.madReleased.With(labels(attrs, componentLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) MadAcquireFailed(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, failureLabelKeys...)
	labs[LabelKind] = kind
	p.madAcquireFailed.With(labs).Inc()
}

func (p *PrometheusMetrics) PoolGrown(attrs map[string]string) {
	p.poolGrown.With(labels(attrs, componentLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SignalDispatched(attrs map[string]string) {
	p.signalDispatched.With(labels(attrs, signalLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SignalDropped(attrs map[string]string) {
	p.signalDropped.With(labels(attrs, signalLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) StateTransition(attrs map[string]string) {
	p.stateTransition.With(labels(attrs, transitionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RouteChecked(attrs map[string]string) {
	p.routeChecked.With(labels(attrs, routeLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
