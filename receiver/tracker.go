package receiver

import (
	"sync/atomic"

	"github.com/rocketbitz/opensm-go/dispatch"
	"github.com/rocketbitz/opensm-go/statemgr"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// Poster is the part of the dispatcher used to announce settlement.
type Poster interface {
	Post(kind dispatch.Kind, value any) error
}

// Tracker counts outstanding requests. When the count drops back to zero it
// posts SignalNoPendingTransactions on MsgNoSMPsOutstanding.
//
// Begin/End bracket a batch of requests so the count cannot settle while the
// batch is still being issued.
type Tracker struct {
	poster      Poster
	em          *telemetry.Emitter
	outstanding atomic.Int64
	settled     atomic.Uint64
}

// NewTracker returns a tracker that posts settlement to p.
func NewTracker(p Poster, opts telemetry.Options) *Tracker {
	return &Tracker{poster: p, em: telemetry.NewEmitter("receiver", opts)}
}

// Begin opens a batch.
func (t *Tracker) Begin() { t.outstanding.Add(1) }

// End closes a batch opened by Begin.
func (t *Tracker) End() { t.release() }

// Sent records one request on the wire.
func (t *Tracker) Sent() { t.outstanding.Add(1) }

// Done records the completion of one request, answered or not.
func (t *Tracker) Done() { t.release() }

// Outstanding returns the current count, batches included.
func (t *Tracker) Outstanding() int64 { return t.outstanding.Load() }

// Settlements returns how many times the count reached zero.
func (t *Tracker) Settlements() uint64 { return t.settled.Load() }

func (t *Tracker) release() {
	n := t.outstanding.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		t.outstanding.CompareAndSwap(n, 0)
		t.em.Warn("unbalanced_release", telemetry.KV("count", n))
		return
	}
	t.settled.Add(1)
	t.em.Event("settled")
	if t.poster == nil {
		return
	}
	if err := t.poster.Post(dispatch.MsgNoSMPsOutstanding, statemgr.SignalNoPendingTransactions); err != nil {
		t.em.Warn("settle_post_failed", telemetry.KV("error", err))
	}
}
