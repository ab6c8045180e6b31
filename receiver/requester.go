package receiver

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/telemetry"
)

// Sender puts a MAD on the wire. The wrapper is only valid for the duration
// of the call; the requester returns it to the pool afterwards.
type Sender interface {
	Send(w *madpool.Wrapper) error
}

// RequesterConfig wires a Requester.
type RequesterConfig struct {
	Pool    *madpool.Pool
	Sender  Sender
	Tracker *Tracker
	Bind    madpool.BindHandle
	// MADSize defaults to MADSize.
	MADSize int
	Logger  telemetry.Logger
	Metrics telemetry.MetricHook
}

// Requester builds outbound MADs from pooled wrappers and tracks them until
// their responses are processed.
type Requester struct {
	pool    *madpool.Pool
	sender  Sender
	tracker *Tracker
	bind    madpool.BindHandle
	size    int
	em      *telemetry.Emitter
	tid     atomic.Uint64
}

// NewRequester validates cfg and returns a requester.
func NewRequester(cfg RequesterConfig) (*Requester, error) {
	if cfg.Pool == nil || cfg.Sender == nil || cfg.Tracker == nil {
		return nil, errors.New("receiver: requester needs a pool, a sender and a tracker")
	}
	if cfg.Bind == madpool.InvalidBindHandle {
		return nil, fmt.Errorf("%w: invalid bind handle", madpool.ErrInvalidArgument)
	}
	size := cfg.MADSize
	if size == 0 {
		size = MADSize
	}
	if size < MinMADSize {
		return nil, fmt.Errorf("%w: mad size %d", madpool.ErrInvalidArgument, size)
	}
	return &Requester{
		pool:    cfg.Pool,
		sender:  cfg.Sender,
		tracker: cfg.Tracker,
		bind:    cfg.Bind,
		size:    size,
		em:      telemetry.NewEmitter("receiver", telemetry.Options{Logger: cfg.Logger, Metrics: cfg.Metrics}),
	}, nil
}

// Tracker returns the tracker requests are counted against.
func (r *Requester) Tracker() *Tracker { return r.tracker }

// Request sends a Get for ctx.Attr/ctx.Modifier to the node ctx.NodeGUID at
// addr. The request counts as outstanding until its response is processed.
func (r *Requester) Request(ctx madpool.Context, addr madpool.Address, payload []byte) error {
	return r.send(MethodGet, ctx, addr, payload)
}

// Set sends a Set carrying payload as the attribute data. It is tracked like
// Request; the node answers with the attribute as applied.
func (r *Requester) Set(ctx madpool.Context, addr madpool.Address, payload []byte) error {
	return r.send(MethodSet, ctx, addr, payload)
}

func (r *Requester) send(method uint8, ctx madpool.Context, addr madpool.Address, payload []byte) error {
	w, err := r.pool.Get(r.bind, r.size, addr)
	if err != nil {
		return err
	}
	defer func() { _ = r.pool.Put(w) }()

	buf := w.Payload()
	clear(buf)
	hdr := Header{
		Method:     method,
		LightSweep: ctx.LightSweep,
		AttrID:     ctx.Attr,
		Modifier:   ctx.Modifier,
		TID:        r.tid.Add(1),
		NodeGUID:   ctx.NodeGUID,
	}
	if err := EncodeHeader(buf, hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if len(payload) > len(Payload(buf)) {
			return fmt.Errorf("%w: payload of %d bytes", ErrShortMAD, len(payload))
		}
		copy(Payload(buf), payload)
	}
	w.SetContext(ctx)

	r.tracker.Sent()
	if err := r.sender.Send(w); err != nil {
		r.tracker.Done()
		r.em.Warn("send_failed",
			telemetry.KV("guid", fmt.Sprintf("0x%016x", ctx.NodeGUID)),
			telemetry.KV("attr", fmt.Sprintf("0x%04x", ctx.Attr)),
			telemetry.KV("error", err))
		return err
	}
	return nil
}
