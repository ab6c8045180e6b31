package receiver

import (
	"errors"
	"testing"

	"github.com/rocketbitz/opensm-go/madpool"
	"github.com/rocketbitz/opensm-go/telemetry"
)

func newTestRequester(t *testing.T, sender Sender) (*Requester, *madpool.Pool, *bufTransport, *recordingPoster) {
	t.Helper()
	transport := &bufTransport{}
	pool := madpool.New(madpool.Config{Transport: transport})
	if err := pool.Init(2, 2); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(pool.Close)
	poster := &recordingPoster{}
	r, err := NewRequester(RequesterConfig{
		Pool:    pool,
		Sender:  sender,
		Tracker: NewTracker(poster, telemetry.Options{}),
		Bind:    testBind,
	})
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}
	return r, pool, transport, poster
}

func TestRequestBuildsHeaderAndReleasesWrapper(t *testing.T) {
	sender := &captureSender{}
	r, pool, transport, _ := newTestRequester(t, sender)

	ctx := madpool.Context{NodeGUID: 0x10, Attr: AttrSwitchInfo, LightSweep: true}
	if err := r.Request(ctx, madpool.Address{DestLID: 5}, nil); err != nil {
		t.Fatalf("Request: %v", err)
	}
	ctx.Attr, ctx.Modifier = AttrLFT, 2
	if err := r.Request(ctx, madpool.Address{DestLID: 5}, nil); err != nil {
		t.Fatalf("Request: %v", err)
	}

	sent := sender.requests()
	if len(sent) != 2 {
		t.Fatalf("sent %d", len(sent))
	}
	first := sent[0].hdr
	if first.Method != MethodGet || first.AttrID != AttrSwitchInfo || first.NodeGUID != 0x10 || !first.LightSweep || first.TID != 1 {
		t.Fatalf("unexpected header %+v", first)
	}
	if sent[1].hdr.TID != 2 || sent[1].hdr.Modifier != 2 {
		t.Fatalf("unexpected second header %+v", sent[1].hdr)
	}
	if sent[0].addr.DestLID != 5 {
		t.Fatalf("address not carried: %+v", sent[0].addr)
	}
	if r.Tracker().Outstanding() != 2 {
		t.Fatalf("Outstanding requests: %d", r.Tracker().Outstanding())
	}
	if pool.Outstanding() != 0 || !transport.balanced() {
		t.Fatalf("wrapper not released: pool=%d", pool.Outstanding())
	}
}

func TestRequestSendFailureCompletesRequest(t *testing.T) {
	sender := &captureSender{err: errSendFailed}
	r, pool, transport, poster := newTestRequester(t, sender)

	err := r.Request(madpool.Context{NodeGUID: 0x10, Attr: AttrSwitchInfo}, madpool.Address{}, nil)
	if !errors.Is(err, errSendFailed) {
		t.Fatalf("expected send failure, got %v", err)
	}
	if r.Tracker().Outstanding() != 0 {
		t.Fatalf("failed request still outstanding: %d", r.Tracker().Outstanding())
	}
	if len(poster.all()) != 1 {
		t.Fatalf("expected settlement after the only request failed, got %d posts", len(poster.all()))
	}
	if pool.Outstanding() != 0 || !transport.balanced() {
		t.Fatal("wrapper leaked on send failure")
	}
}

func TestRequestRejectsOversizedPayload(t *testing.T) {
	r, pool, _, _ := newTestRequester(t, &captureSender{})
	err := r.Request(madpool.Context{Attr: AttrSwitchInfo}, madpool.Address{}, make([]byte, MADSize))
	if !errors.Is(err, ErrShortMAD) {
		t.Fatalf("expected ErrShortMAD, got %v", err)
	}
	if r.Tracker().Outstanding() != 0 || pool.Outstanding() != 0 {
		t.Fatal("rejected request left state behind")
	}
}

func TestNewRequesterValidation(t *testing.T) {
	if _, err := NewRequester(RequesterConfig{}); err == nil {
		t.Fatal("expected error without dependencies")
	}
	_, err := NewRequester(RequesterConfig{
		Pool:    madpool.New(madpool.Config{}),
		Sender:  &captureSender{},
		Tracker: NewTracker(nil, telemetry.Options{}),
	})
	if !errors.Is(err, madpool.ErrInvalidArgument) {
		t.Fatalf("expected invalid bind error, got %v", err)
	}
}

func TestSetCarriesPayload(t *testing.T) {
	var got []byte
	sender := senderFunc(func(w *madpool.Wrapper) error {
		got = append([]byte(nil), w.Payload()...)
		return nil
	})
	r, _, _, _ := newTestRequester(t, sender)
	block := make([]byte, 64)
	block[5] = 3
	if err := r.Set(madpool.Context{NodeGUID: 0x10, Attr: AttrLFT, Modifier: 1}, madpool.Address{}, block); err != nil {
		t.Fatalf("Set: %v", err)
	}
	hdr, err := DecodeHeader(got)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Method != MethodSet || hdr.Modifier != 1 {
		t.Fatalf("unexpected header %+v", hdr)
	}
	if Payload(got)[5] != 3 {
		t.Fatal("payload not copied into the MAD")
	}
}

func TestNewRequesterRejectsSmallMADs(t *testing.T) {
	_, err := NewRequester(RequesterConfig{
		Pool:    madpool.New(madpool.Config{}),
		Sender:  &captureSender{},
		Tracker: NewTracker(nil, telemetry.Options{}),
		Bind:    testBind,
		MADSize: MinMADSize - 1,
	})
	if !errors.Is(err, madpool.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
