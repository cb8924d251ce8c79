package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/danmuck/upscalerd/internal/engine"
	"github.com/danmuck/upscalerd/internal/protocol"
	"github.com/danmuck/upscalerd/internal/protocol/frame"
	"github.com/danmuck/upscalerd/internal/testutil/testlog"
)

// fakeUpscaler prefixes every input with "up:" unless told to fail on a
// given call.
type fakeUpscaler struct {
	calls  int
	failOn int
	jobs   []engine.Job
	closed bool
}

func (f *fakeUpscaler) Upscale(ctx context.Context, job engine.Job) ([]byte, error) {
	f.calls++
	f.jobs = append(f.jobs, job)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failOn > 0 && f.calls == f.failOn {
		return nil, errors.New("vulkan device lost")
	}
	return append([]byte("up:"), job.Image...), nil
}

func (f *fakeUpscaler) Close() error {
	f.closed = true
	return nil
}

type duplex struct {
	io.Reader
	io.Writer
	closed bool
}

func (d *duplex) Close() error {
	d.closed = true
	return nil
}

type harness struct {
	in     *bytes.Buffer
	out    *bytes.Buffer
	stream *duplex
	fake   *fakeUpscaler
	codec  protocol.Codec
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	in, out := &bytes.Buffer{}, &bytes.Buffer{}
	return &harness{
		in:     in,
		out:    out,
		stream: &duplex{Reader: in, Writer: out},
		fake:   &fakeUpscaler{},
		codec:  protocol.DefaultCodec(),
	}
}

func (h *harness) session(t *testing.T, mutate func(*Config)) *Session {
	t.Helper()
	reg := engine.NewRegistry()
	if err := reg.Register(engine.KindRealCUGAN, h.fake); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Logger = testlog.Start(t)
	if mutate != nil {
		mutate(&cfg)
	}
	return New(h.stream, reg, cfg)
}

func (h *harness) send(t *testing.T, req protocol.Request) {
	t.Helper()
	payload, err := h.codec.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := frame.WriteFrame(h.in, payload, frame.Limits{}); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func (h *harness) sentinel(t *testing.T) {
	t.Helper()
	if err := frame.WriteSentinel(h.in); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}
}

func (h *harness) responses(t *testing.T) []protocol.Response {
	t.Helper()
	var out []protocol.Response
	for {
		payload, err := frame.ReadFrame(h.out, frame.Limits{})
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("read response frame: %v", err)
		}
		resp, err := protocol.DecodeResponse(payload)
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		out = append(out, resp)
	}
}

func tinyPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, c)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func request(id uint32, images ...[]byte) protocol.Request {
	return protocol.Request{
		Header: protocol.Header{RequestID: id},
		Engine: uint8(engine.KindRealCUGAN),
		Meta:   "E",
		GPUID:  -1,
		Images: images,
	}
}

func TestSessionServesBatchInOrderAndClosesOnSentinel(t *testing.T) {
	h := newHarness(t)
	red := tinyPNG(t, color.RGBA{R: 255, A: 255})
	blue := tinyPNG(t, color.RGBA{B: 255, A: 255})
	h.send(t, request(42, red, blue))
	h.sentinel(t)

	s := h.session(t, nil)
	if s.State() != StateStarting {
		t.Fatalf("expected starting state, got %s", s.State())
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	resps := h.responses(t)
	if len(resps) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resps))
	}
	resp := resps[0]
	if resp.RequestID != 42 || resp.Status != protocol.StatusOK || len(resp.Results) != 2 {
		t.Fatalf("unexpected response: id=%d status=%s results=%d", resp.RequestID, resp.Status, len(resp.Results))
	}
	if !bytes.Equal(resp.Results[0], append([]byte("up:"), red...)) || !bytes.Equal(resp.Results[1], append([]byte("up:"), blue...)) {
		t.Fatalf("results out of order")
	}
	if h.fake.jobs[0].Meta != "E" || h.fake.jobs[0].GPUID != -1 || h.fake.jobs[0].Kind != engine.KindRealCUGAN {
		t.Fatalf("unexpected job: %+v", h.fake.jobs[0])
	}

	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
	if !h.fake.closed || !h.stream.closed {
		t.Fatalf("expected upscaler and stream released")
	}
	if snap := s.Snapshot(); snap.Served != 1 || snap.Images != 2 || snap.LastRequestID != 42 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSessionBadMagicIsIsolated(t *testing.T) {
	h := newHarness(t)
	bad := request(999, []byte("x"))
	bad.Header.Magic = 0xDEADBEEF
	h.send(t, bad)
	h.send(t, request(1000, []byte("y")))
	h.sentinel(t)

	if err := h.session(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	resps := h.responses(t)
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[0].RequestID != 999 || resps[0].Status != protocol.StatusBadMagic || len(resps[0].Results) != 0 {
		t.Fatalf("unexpected first response: %+v", resps[0])
	}
	if resps[0].Error == "" {
		t.Fatalf("expected error message on bad magic")
	}
	if resps[1].RequestID != 1000 || resps[1].Status != protocol.StatusOK || len(resps[1].Results) != 1 {
		t.Fatalf("unexpected second response: %+v", resps[1])
	}
	if h.fake.calls != 1 {
		t.Fatalf("bad request must not reach the upscaler, calls=%d", h.fake.calls)
	}
}

func TestSessionSentinelProducesNoResponse(t *testing.T) {
	h := newHarness(t)
	h.sentinel(t)
	h.send(t, request(1, []byte("never read")))

	if err := h.session(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.out.Len() != 0 {
		t.Fatalf("expected no output, got %d bytes", h.out.Len())
	}
	if h.fake.calls != 0 {
		t.Fatalf("expected no upscaler calls")
	}
}

func TestSessionEndOfStreamIsClean(t *testing.T) {
	h := newHarness(t)
	h.send(t, request(3, []byte("a")))

	if err := h.session(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if resps := h.responses(t); len(resps) != 1 || resps[0].RequestID != 3 {
		t.Fatalf("unexpected responses: %+v", resps)
	}
}

func TestSessionTruncatedFrameIsFatal(t *testing.T) {
	h := newHarness(t)
	h.in.Write([]byte{10, 0, 0, 0, 1, 2, 3})

	s := h.session(t, nil)
	err := s.Run(context.Background())
	if !errors.Is(err, ErrTransport) || !errors.Is(err, frame.ErrTruncatedFrame) {
		t.Fatalf("expected transport truncation, got %v", err)
	}
	if h.out.Len() != 0 {
		t.Fatalf("no response may follow a transport failure")
	}
	if s.State() != StateClosed || !h.fake.closed {
		t.Fatalf("expected session closed and engines released")
	}
}

func TestSessionEngineFailureFailsWholeBatch(t *testing.T) {
	h := newHarness(t)
	h.fake.failOn = 2
	h.send(t, request(7, []byte("a"), []byte("b"), []byte("c")))
	h.send(t, request(8, []byte("d")))
	h.sentinel(t)

	if err := h.session(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	resps := h.responses(t)
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[0].RequestID != 7 || resps[0].Status != protocol.StatusEngineError || len(resps[0].Results) != 0 {
		t.Fatalf("expected all-or-nothing failure, got %+v", resps[0])
	}
	if h.fake.calls != 3 {
		t.Fatalf("expected the batch to stop at the failing image, calls=%d", h.fake.calls)
	}
	if resps[1].RequestID != 8 || resps[1].Status != protocol.StatusOK {
		t.Fatalf("session did not recover: %+v", resps[1])
	}
}

func TestSessionValidationFailures(t *testing.T) {
	unconfigured := request(20, []byte("a"))
	unconfigured.Engine = uint8(engine.KindRealESRGAN)
	unknown := request(21, []byte("a"))
	unknown.Engine = 9
	badMeta := request(22, []byte("a"))
	badMeta.Meta = "Z"
	empty := request(23)

	h := newHarness(t)
	for _, req := range []protocol.Request{unconfigured, unknown, badMeta, empty} {
		h.send(t, req)
	}
	h.sentinel(t)

	if err := h.session(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	resps := h.responses(t)
	if len(resps) != 4 {
		t.Fatalf("expected 4 responses, got %d", len(resps))
	}
	for i, resp := range resps {
		if resp.RequestID != uint32(20+i) || resp.Status != protocol.StatusInvalidRequest {
			t.Fatalf("response %d: unexpected %+v", i, resp)
		}
	}
	if h.fake.calls != 0 {
		t.Fatalf("invalid requests must not reach the upscaler")
	}
}

func TestSessionOversizedFrameKeepsServing(t *testing.T) {
	h := newHarness(t)
	h.send(t, request(1, bytes.Repeat([]byte{1}, 256)))
	h.send(t, request(2, []byte("a")))
	h.sentinel(t)

	s := h.session(t, func(cfg *Config) { cfg.FrameLimits = frame.Limits{MaxFrameBytes: 128} })
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	resps := h.responses(t)
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[0].RequestID != 0 || resps[0].Status != protocol.StatusMalformed {
		t.Fatalf("unexpected oversized response: %+v", resps[0])
	}
	if resps[1].RequestID != 2 || resps[1].Status != protocol.StatusOK {
		t.Fatalf("unexpected follow-up response: %+v", resps[1])
	}
}

func TestSessionPackedLayout(t *testing.T) {
	h := newHarness(t)
	h.codec.Layout = protocol.LayoutPacked
	h.send(t, request(5, []byte("a")))
	h.sentinel(t)

	s := h.session(t, func(cfg *Config) { cfg.Codec.Layout = protocol.LayoutPacked })
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if resps := h.responses(t); len(resps) != 1 || resps[0].Status != protocol.StatusOK {
		t.Fatalf("unexpected responses: %+v", resps)
	}
}

func TestSessionCancelledContextDrains(t *testing.T) {
	h := newHarness(t)
	h.send(t, request(1, []byte("a")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := h.session(t, nil)
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.out.Len() != 0 || s.State() != StateClosed {
		t.Fatalf("expected closed session with no output")
	}
}

func TestSessionRunsOnce(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeV2, "V2": ModeV2, "keep-alive": ModeKeepAlive, "legacy": ModeBatch}
	for raw, want := range cases {
		got, err := ParseMode(raw)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseMode("grpc"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestSessionOversizedImageIsEngineError(t *testing.T) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, image.NewGray(image.Rect(0, 0, 4096, 4096))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	huge := request(30, buf.Bytes())
	huge.Engine = uint8(engine.KindRealESRGAN)
	huge.Meta = "4"

	h := newHarness(t)
	h.send(t, huge)
	h.send(t, request(31, []byte("a")))
	h.sentinel(t)

	reg := engine.NewRegistry()
	if err := reg.Register(engine.KindRealCUGAN, h.fake); err != nil {
		t.Fatalf("register cugan: %v", err)
	}
	if err := reg.Register(engine.KindRealESRGAN, engine.NewResample(engine.ResampleOptions{})); err != nil {
		t.Fatalf("register esrgan: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Logger = testlog.Start(t)
	if err := New(h.stream, reg, cfg).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	resps := h.responses(t)
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[0].RequestID != 30 || resps[0].Status != protocol.StatusEngineError || len(resps[0].Results) != 0 {
		t.Fatalf("unexpected oversized image response: %+v", resps[0])
	}
	if resps[1].RequestID != 31 || resps[1].Status != protocol.StatusOK {
		t.Fatalf("session did not recover: %+v", resps[1])
	}
}

func TestSessionRejectsStrayResponseFrame(t *testing.T) {
	h := newHarness(t)
	stray := request(50, []byte("a"))
	stray.Header.MessageType = protocol.MessageResponse
	h.send(t, stray)
	h.send(t, request(51, []byte("b")))
	h.sentinel(t)

	if err := h.session(t, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	resps := h.responses(t)
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[0].RequestID != 50 || resps[0].Status != protocol.StatusUnexpectedType || len(resps[0].Results) != 0 {
		t.Fatalf("unexpected stray frame response: %+v", resps[0])
	}
	if resps[1].RequestID != 51 || resps[1].Status != protocol.StatusOK {
		t.Fatalf("session did not recover: %+v", resps[1])
	}
	if h.fake.calls != 1 {
		t.Fatalf("stray frame must not reach the upscaler, calls=%d", h.fake.calls)
	}
}

func TestSessionInputClosedAfterCancelDrainsCleanly(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	fake := &fakeUpscaler{}
	reg := engine.NewRegistry()
	if err := reg.Register(engine.KindRealCUGAN, fake); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Logger = testlog.Start(t)
	s := New(&duplex{Reader: pr, Writer: &bytes.Buffer{}}, reg, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("session never became ready, state=%s", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	_ = pr.Close()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) || errors.Is(err, ErrTransport) {
			t.Fatalf("expected clean drain, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not drain after input closed")
	}
	if s.State() != StateClosed || !fake.closed {
		t.Fatalf("expected session closed and engines released")
	}
}
