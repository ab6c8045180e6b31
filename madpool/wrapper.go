package madpool

import "sync/atomic"

// BindHandle identifies the transport binding a MAD is sent or received on.
type BindHandle uint64

// InvalidBindHandle is the zero binding; Get rejects it.
const InvalidBindHandle BindHandle = 0

// Address carries the source/destination addressing of a MAD.
type Address struct {
	DestLID    uint16
	PathBits   uint8
	StaticRate uint8
	SL         uint8
	PKeyIndex  uint16
	QP         uint32
	QKey       uint32
	// DirectedRoute holds the outbound port path for directed-route SMPs.
	DirectedRoute []uint8
	SMP           bool
}

// Context is the request context carried by a MAD from the requester to the
// receiver that processes its response.
type Context struct {
	NodeGUID   uint64
	Attr       uint16
	Modifier   uint32
	LightSweep bool
}

type slot struct {
	index uint32
	gen   atomic.Uint32

	bind          BindHandle
	size          int
	addr          Address
	payload       []byte
	fromTransport bool
	ctx           Context
}

func (s *slot) reset() {
	s.bind = InvalidBindHandle
	s.size = 0
	s.addr = Address{}
	s.payload = nil
	s.fromTransport = false
	s.ctx = Context{}
}

// Wrapper is a checked-out handle on a pooled MAD slot. It is owned by exactly
// one caller between a Get* and the matching Put; once Put, every accessor
// reports the handle as stale.
type Wrapper struct {
	pool *Pool
	s    *slot
	gen  uint32
}

// Valid reports whether the handle still owns its slot.
func (w *Wrapper) Valid() bool {
	return w != nil && w.s != nil && w.s.gen.Load() == w.gen
}

// Bind returns the transport binding, or InvalidBindHandle for a stale handle.
func (w *Wrapper) Bind() BindHandle {
	if !w.Valid() {
		return InvalidBindHandle
	}
	return w.s.bind
}

// Size returns the total MAD size requested at acquisition.
func (w *Wrapper) Size() int {
	if !w.Valid() {
		return 0
	}
	return w.s.size
}

// Address returns the MAD addressing.
func (w *Wrapper) Address() Address {
	if !w.Valid() {
		return Address{}
	}
	return w.s.addr
}

// Payload returns the wire buffer attached to the wrapper; raw wrappers and
// stale handles return nil.
func (w *Wrapper) Payload() []byte {
	if !w.Valid() {
		return nil
	}
	return w.s.payload
}

// Context returns the request context attached by the owner.
func (w *Wrapper) Context() Context {
	if !w.Valid() {
		return Context{}
	}
	return w.s.ctx
}

// SetContext attaches ctx to the wrapper. It is a no-op on stale handles.
func (w *Wrapper) SetContext(ctx Context) {
	if !w.Valid() {
		return
	}
	w.s.ctx = ctx
}

// Index returns the stable slot index backing the wrapper.
func (w *Wrapper) Index() uint32 {
	if w == nil || w.s == nil {
		return 0
	}
	return w.s.index
}
