package telemetry

// Label keys shared by the metric hook implementations.
const (
	LabelComponent = "component"
	LabelKind      = "kind"
	LabelFrom      = "from"
	LabelTo        = "to"
	LabelStatus    = "status"
)

// MetricHook captures subnet manager telemetry events.
type MetricHook interface {
	MadAcquired(attrs map[string]string)
	MadReleased(attrs map[string]string)
	MadAcquireFailed(kind string, err error, attrs map[string]string)
	PoolGrown(attrs map[string]string)
	SignalDispatched(attrs map[string]string)
	SignalDropped(attrs map[string]string)
	StateTransition(attrs map[string]string)
	RouteChecked(attrs map[string]string)
}
