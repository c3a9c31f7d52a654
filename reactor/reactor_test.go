//go:build linux
// +build linux

package reactor_test

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/tpcnet/api"
	"github.com/momentics/tpcnet/fake"
	"github.com/momentics/tpcnet/frame"
	"github.com/momentics/tpcnet/reactor"
)

// captureService records dispatched requests and response chains as
// payload copies, releasing frames back to their allocator.
type captureService struct {
	mu        sync.Mutex
	requests  [][]byte
	chains    [][][]byte
	onRequest func(*frame.Frame)
}

func (s *captureService) HandleRequest(f *frame.Frame) {
	s.mu.Lock()
	s.requests = append(s.requests, append([]byte(nil), f.Payload()...))
	cb := s.onRequest
	s.mu.Unlock()
	if cb != nil {
		cb(f)
	} else {
		f.Release()
	}
}

func (s *captureService) HandleResponses(chain *frame.Frame) {
	var batch [][]byte
	for f := chain; f != nil; {
		batch = append(batch, append([]byte(nil), f.Payload()...))
		next := f.Next
		f.Release()
		f = next
	}
	s.mu.Lock()
	s.chains = append(s.chains, batch)
	s.mu.Unlock()
}

func (s *captureService) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type closeTracker struct {
	mu     sync.Mutex
	closed bool
	err    error
}

func (c *closeTracker) Closed(err error) {
	c.mu.Lock()
	c.closed = true
	c.err = err
	c.mu.Unlock()
}

func (c *closeTracker) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// startTestReactor spins up a reactor over a fake ring with socket
// options that work on socketpair fds.
func startTestReactor(t *testing.T, svc api.RequestService, opts ...reactor.Option) (*reactor.Reactor, *fake.Ring) {
	t.Helper()
	ring := fake.NewRing(0)
	base := []reactor.Option{
		reactor.WithRing(ring),
		reactor.WithLogger(quietLogger()),
		reactor.WithTCPNoDelay(false),
		reactor.WithTCPQuickAck(false),
		reactor.WithReceiveBufferSize(64 << 10),
		reactor.WithSendBufferSize(64 << 10),
	}
	r, err := reactor.Start(svc, append(base, opts...)...)
	if err != nil {
		t.Fatalf("start reactor: %v", err)
	}
	t.Cleanup(func() { r.Shutdown() })
	return r, ring
}

// adoptPair registers one end of a socketpair as a channel and returns
// the channel plus the peer fd (closed automatically).
func adoptPair(t *testing.T, r *reactor.Reactor, conn frame.Connection) (*reactor.Channel, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })

	fut := r.Adopt(fds[0], &net.TCPAddr{}, &net.TCPAddr{}, conn)
	ch, err := fut.Await()
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	return ch, fds[1]
}

func wire(flags uint32, payload []byte) []byte {
	f := frame.New(frame.HeaderSize + len(payload))
	f.WriteHeader(frame.HeaderSize+len(payload), flags)
	f.Write(payload)
	return append([]byte(nil), f.Bytes()...)
}

func outbound(flags uint32, payload []byte) *frame.Frame {
	f := frame.New(frame.HeaderSize + len(payload))
	f.WriteHeader(frame.HeaderSize+len(payload), flags)
	f.Write(payload)
	return f
}

func TestRingLiveness(t *testing.T) {
	svc := &captureService{}
	r, ring := startTestReactor(t, svc)

	ch, _ := adoptPair(t, r, nil)

	waitFor(t, "eventfd read armed", func() bool {
		return len(ring.Outstanding(api.OpEventfdRead)) == 1
	})
	waitFor(t, "channel read armed", func() bool {
		return len(ring.Outstanding(api.OpRead)) == 1
	})

	if _, err := r.RegisterAccept("127.0.0.1:0"); err != nil {
		t.Fatalf("register accept: %v", err)
	}
	waitFor(t, "accept armed", func() bool {
		return len(ring.Outstanding(api.OpAccept)) == 1
	})

	if got := ring.Outstanding(api.OpRead); len(got) != 1 || got[0].Fd != ch.Fd() {
		t.Fatalf("reads outstanding = %d", len(got))
	}
}

// Scenario: a 32-byte request dispatches to the handler; the handler's
// 16-byte response reaches the wire byte-for-byte in one WRITEV.
func TestRequestResponseRoundTrip(t *testing.T) {
	reqPayload := make([]byte, 24)
	for i := range reqPayload {
		reqPayload[i] = byte(i + 1)
	}
	respPayload := []byte{0, 1, 2, 3, 4, 5, 6, 7}

	svc := &captureService{}
	var r *reactor.Reactor
	svc.onRequest = func(f *frame.Frame) {
		ch := r.Channel(f.ChannelID)
		f.Release()
		if ch == nil {
			t.Error("request frame carries dead channel id")
			return
		}
		if err := r.WriteAndFlush(ch, outbound(frame.FlagOpResponse, respPayload)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}

	var ring *fake.Ring
	r, ring = startTestReactor(t, svc)
	ch, _ := adoptPair(t, r, nil)

	waitFor(t, "read armed", func() bool { return ring.FeedRead(ch.Fd(), wire(0, reqPayload)) })
	waitFor(t, "request dispatched", func() bool { return svc.requestCount() == 1 })

	var got []byte
	waitFor(t, "response writev", func() bool {
		w, ok := ring.FeedWritev(ch.Fd(), int32(frame.HeaderSize+len(respPayload)))
		if ok {
			got = w
		}
		return ok
	})
	if want := wire(frame.FlagOpResponse, respPayload); !bytes.Equal(got, want) {
		t.Fatalf("wire = %x, want %x", got, want)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !bytes.Equal(svc.requests[0], reqPayload) {
		t.Fatalf("request payload = %x", svc.requests[0])
	}
}

// Two coalesced response frames arrive as one chain, in order.
func TestResponseChainBatch(t *testing.T) {
	svc := &captureService{}
	r, ring := startTestReactor(t, svc)
	ch, _ := adoptPair(t, r, nil)

	seg := append(wire(frame.FlagOpResponse, []byte{0xa1}), wire(frame.FlagOpResponse, []byte{0xa2})...)
	waitFor(t, "read armed", func() bool { return ring.FeedRead(ch.Fd(), seg) })

	waitFor(t, "chain delivered", func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.chains) == 1
	})

	svc.mu.Lock()
	defer svc.mu.Unlock()
	batch := svc.chains[0]
	if len(batch) != 2 || batch[0][0] != 0xa1 || batch[1][0] != 0xa2 {
		t.Fatalf("chain = %v", batch)
	}
}

// Scenario: three 1000-byte frames, kernel reports 1500 written. The
// remainder resubmits as exactly the missing 1500 bytes, and the full
// wire image is the frames back to back with no interleaving.
func TestPartialWritevResubmit(t *testing.T) {
	svc := &captureService{}
	r, ring := startTestReactor(t, svc)
	ch, _ := adoptPair(t, r, nil)

	// enqueue on the loop thread so one flush sees all three frames
	var full []byte
	queued := make(chan error, 1)
	if err := r.Execute(func() {
		for i := 0; i < 3; i++ {
			payload := bytes.Repeat([]byte{byte(0x10 + i)}, 992)
			full = append(full, wire(0, payload)...)
			if err := r.WriteAndFlush(ch, outbound(0, payload)); err != nil {
				queued <- err
				return
			}
		}
		queued <- nil
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := <-queued; err != nil {
		t.Fatalf("write: %v", err)
	}

	var first []byte
	waitFor(t, "first writev", func() bool {
		w, ok := ring.FeedWritev(ch.Fd(), 1500)
		if ok {
			first = w
		}
		return ok
	})
	if !bytes.Equal(first, full) {
		t.Fatal("first writev does not carry the frames back to back")
	}

	var second []byte
	waitFor(t, "resubmitted writev", func() bool {
		w, ok := ring.FeedWritev(ch.Fd(), 1500)
		if ok {
			second = w
		}
		return ok
	})
	if !bytes.Equal(second, full[1500:]) {
		t.Fatalf("resubmit = %d bytes, want the 1500-byte suffix", len(second))
	}
}

// Scenario: 2000 frames split 1024/976 across two gather writes, then
// the channel goes clean.
func TestIoVectorBackpressure(t *testing.T) {
	svc := &captureService{}
	r, ring := startTestReactor(t, svc)
	ch, _ := adoptPair(t, r, nil)

	const total = 2000
	const frameLen = frame.HeaderSize + 8
	queued := make(chan error, 1)
	if err := r.Execute(func() {
		for i := 0; i < total; i++ {
			if err := r.WriteAndFlush(ch, outbound(0, make([]byte, 8))); err != nil {
				queued <- err
				return
			}
		}
		queued <- nil
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := <-queued; err != nil {
		t.Fatalf("write: %v", err)
	}

	var first []byte
	waitFor(t, "first writev", func() bool {
		ops := ring.Outstanding(api.OpWritev)
		if len(ops) != 1 || len(ops[0].Iov) != 1024 {
			return false
		}
		w, ok := ring.FeedWritev(ch.Fd(), int32(1024*frameLen))
		first = w
		return ok
	})
	if len(first) != 1024*frameLen {
		t.Fatalf("first writev = %d bytes", len(first))
	}

	var second []byte
	waitFor(t, "second writev", func() bool {
		ops := ring.Outstanding(api.OpWritev)
		if len(ops) != 1 || len(ops[0].Iov) != total-1024 {
			return false
		}
		w, ok := ring.FeedWritev(ch.Fd(), int32((total-1024)*frameLen))
		second = w
		return ok
	})
	if len(second) != (total-1024)*frameLen {
		t.Fatalf("second writev = %d bytes", len(second))
	}

	// channel must be clean: no further writev appears
	time.Sleep(10 * time.Millisecond)
	if ops := ring.Outstanding(api.OpWritev); len(ops) != 0 {
		t.Fatalf("writev outstanding on a clean channel: %d", len(ops))
	}
}

// An ACCEPT completion configures the socket, registers a channel with a
// READ armed, re-arms the ACCEPT, and the new channel parses traffic.
func TestAcceptRegistersChannel(t *testing.T) {
	svc := &captureService{}
	r, ring := startTestReactor(t, svc)

	bound, err := r.RegisterAccept("127.0.0.1:0")
	if err != nil {
		t.Fatalf("register accept: %v", err)
	}
	if bound.Port == 0 {
		t.Fatal("ephemeral port not resolved")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })

	var listenFd int
	waitFor(t, "accept armed", func() bool {
		ops := ring.Outstanding(api.OpAccept)
		if len(ops) != 1 {
			return false
		}
		listenFd = ops[0].Fd
		return true
	})

	if !ring.FeedAccept(listenFd, fds[0], [4]byte{10, 0, 0, 7}, 40001) {
		t.Fatal("accept not fed")
	}

	waitFor(t, "accept re-armed and channel read armed", func() bool {
		if len(ring.Outstanding(api.OpAccept)) != 1 {
			return false
		}
		for _, op := range ring.Outstanding(api.OpRead) {
			if op.Fd == fds[0] {
				return true
			}
		}
		return false
	})

	waitFor(t, "traffic parsed", func() bool {
		if svc.requestCount() > 0 {
			return true
		}
		ring.FeedRead(fds[0], wire(0, []byte{0x5a}))
		return false
	})

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !bytes.Equal(svc.requests[0], []byte{0x5a}) {
		t.Fatalf("request payload = %x", svc.requests[0])
	}
}

// Tasks posted while the reactor is parked run promptly; repeated to
// shake out missed wakeups.
func TestCrossThreadWakeup(t *testing.T) {
	svc := &captureService{}
	r, _ := startTestReactor(t, svc)

	for i := 0; i < 1000; i++ {
		done := make(chan struct{})
		if err := r.Execute(func() { close(done) }); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("task %d stranded: wakeup missed", i)
		}
	}
}

// res == 0 on READ closes cleanly: the connection callback fires with a
// nil error and later writes are refused.
func TestPeerCloseReleasesChannel(t *testing.T) {
	svc := &captureService{}
	tracker := &closeTracker{}
	r, ring := startTestReactor(t, svc)
	ch, _ := adoptPair(t, r, tracker)

	waitFor(t, "read armed", func() bool {
		ops := ring.Outstanding(api.OpRead)
		for _, op := range ops {
			if op.Fd == ch.Fd() {
				ring.Feed(op, 0)
				return true
			}
		}
		return false
	})

	waitFor(t, "close callback", tracker.isClosed)
	tracker.mu.Lock()
	if tracker.err != nil {
		t.Errorf("clean close reported error %v", tracker.err)
	}
	tracker.mu.Unlock()

	waitFor(t, "write refused", func() bool {
		return r.WriteAndFlush(ch, outbound(0, nil)) != nil
	})
}

// Frames queued on a channel at close time are released, not delivered.
func TestShutdownReleasesPendingFrames(t *testing.T) {
	svc := &captureService{}
	alloc := frame.NewParallelAllocator(64)
	r, _ := startTestReactor(t, svc)
	ch, _ := adoptPair(t, r, nil)

	for i := 0; i < 10; i++ {
		f := alloc.Allocate(frame.HeaderSize)
		f.WriteHeader(frame.HeaderSize, 0)
		if err := r.WriteAndFlush(ch, f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if err := r.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := alloc.InFlight(); got != 0 {
		t.Fatalf("frames leaked across shutdown: in-flight = %d", got)
	}
}
