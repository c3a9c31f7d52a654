//go:build linux
// +build linux

// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// The per-core event loop. One iteration: drain public tasks, run one
// scheduler tick, flush dirty channels, then consult the completion
// queue — drain it when non-empty, otherwise submit (and park unless
// spinning or more work is known to be queued). Parking follows the
// wakeupNeeded handshake: the flag is raised before the public and dirty
// queue emptiness checks, producers push before testing the flag, so
// neither a task nor a dirty channel can be stranded behind a blocking
// wait.

package reactor

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/momentics/tpcnet/affinity"
	"github.com/momentics/tpcnet/api"
	"github.com/momentics/tpcnet/frame"
	"github.com/momentics/tpcnet/internal/concurrency"
	"github.com/momentics/tpcnet/internal/uring"
)

// Reactor owns one ring, one eventfd and every channel registered on it.
// All fields below the shared edge (publicQ, dirtyQ, wakeupNeeded,
// running) are reactor-thread only.
type Reactor struct {
	cfg     Config
	ring    api.Ring
	ownRing bool

	eventfd    int
	eventfdBuf []byte

	service  api.RequestService
	reqAlloc *frame.Allocator

	channels  map[int]*Channel // id -> channel
	byFd      map[int]*Channel
	listeners map[int]*listener
	nextID    int

	publicQ *concurrency.MPSC[Task]
	dirtyQ  *concurrency.MPSC[*Channel]
	sched   *Scheduler

	running      *atomic.Bool
	wakeupNeeded *atomic.Bool
	loopTID      *atomic.Int64

	done chan struct{}
	err  error

	log      *logrus.Entry
	registry metrics.Registry
	wakeups  metrics.Counter
	tasksRun metrics.Counter
}

// Start creates a reactor, pins its loop thread and begins serving.
// Fatal configuration errors (ring setup) surface here synchronously.
func Start(service api.RequestService, opts ...Option) (*Reactor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	efd, err := uring.NewEventFD()
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ring := cfg.Ring
	ownRing := false
	if ring == nil {
		ring, err = uring.New(cfg.RingSize, cfg.IosqeAsyncThreshold)
		if err != nil {
			unix.Close(efd)
			return nil, fmt.Errorf("ring setup: %w", err)
		}
		ownRing = true
	}

	r := &Reactor{
		cfg:          cfg,
		ring:         ring,
		ownRing:      ownRing,
		eventfd:      efd,
		eventfdBuf:   make([]byte, 8),
		service:      service,
		reqAlloc:     frame.NewAllocator(),
		channels:     make(map[int]*Channel),
		byFd:         make(map[int]*Channel),
		listeners:    make(map[int]*listener),
		publicQ:      concurrency.NewMPSC[Task](),
		dirtyQ:       concurrency.NewMPSC[*Channel](),
		sched:        NewScheduler(),
		running:      atomic.NewBool(true),
		wakeupNeeded: atomic.NewBool(false),
		loopTID:      atomic.NewInt64(-1),
		done:         make(chan struct{}),
		registry:     metrics.NewRegistry(),
	}
	r.log = logger.WithField("reactor", cfg.Name)
	r.wakeups = metrics.NewRegisteredCounter("reactor.wakeups", r.registry)
	r.tasksRun = metrics.NewRegisteredCounter("reactor.tasks", r.registry)

	go r.run()
	return r, nil
}

// Metrics exposes the reactor's metrics registry.
func (r *Reactor) Metrics() metrics.Registry { return r.registry }

// Running reports whether the loop is serving.
func (r *Reactor) Running() bool { return r.running.Load() }

// Channel resolves an identity handle to its channel, nil when the
// channel already left the registry. Reactor thread only.
func (r *Reactor) Channel(id uint32) *Channel { return r.channels[int(id)] }

// Execute posts a task onto the public run queue from any thread.
func (r *Reactor) Execute(t Task) error {
	if !r.running.Load() {
		return api.ErrReactorDown
	}
	r.publicQ.Push(t)
	r.Wakeup()
	return nil
}

// WriteAndFlush enqueues one outbound frame and marks the channel dirty.
// Non-blocking; callable from any thread.
func (r *Reactor) WriteAndFlush(ch *Channel, f *frame.Frame) error {
	if ch.closed.Load() {
		return api.ErrChannelClosed
	}
	if !r.running.Load() {
		return api.ErrReactorDown
	}
	ch.unflushed.Push(f)
	if ch.dirty.CAS(false, true) {
		r.dirtyQ.Push(ch)
	}
	r.Wakeup()
	return nil
}

// Wakeup breaks the loop out of a blocking wait. No-op when spinning or
// when called from the loop thread itself. The CAS bounds the syscall to
// one eventfd write per blocking window.
func (r *Reactor) Wakeup() {
	if r.cfg.Spin || int64(unix.Gettid()) == r.loopTID.Load() {
		return
	}
	if r.wakeupNeeded.Load() && r.wakeupNeeded.CAS(true, false) {
		r.wakeups.Inc(1)
		if err := uring.EventFDWrite(r.eventfd); err != nil {
			r.log.WithError(err).Warn("eventfd write failed")
		}
	}
}

// Shutdown stops the loop, closes every channel, releases in-flight
// frames and tears the ring down. Safe to call from any thread; blocks
// until teardown finishes.
func (r *Reactor) Shutdown() error {
	if r.running.CAS(true, false) {
		// unconditional write: the loop may be parked with wakeupNeeded
		// raised, or about to park
		if !r.cfg.Spin {
			_ = uring.EventFDWrite(r.eventfd)
		}
	}
	<-r.done
	return r.err
}

func (r *Reactor) run() {
	if err := affinity.Pin(r.cfg.CPU); err != nil {
		r.log.WithError(err).Warn("cpu pin failed")
	}
	r.loopTID.Store(int64(unix.Gettid()))
	r.log.WithField("cpu", r.cfg.CPU).Info("reactor loop started")

	r.armEventfdRead()
	r.eventLoop()
	r.teardown()
}

func (r *Reactor) eventLoop() {
	for r.running.Load() {
		r.runTasks()

		moreWork := r.sched.Tick()

		r.flushDirtyChannels()

		if !r.ring.HasCompletions() {
			if r.cfg.Spin || moreWork {
				if _, err := r.ring.Submit(); err != nil {
					r.fail(err)
					return
				}
				continue
			}
			r.wakeupNeeded.Store(true)
			// both producer-visible queues must be tested after raising
			// wakeupNeeded, or a WriteAndFlush racing the park strands
			// its dirty channel until an unrelated completion
			if r.publicQ.Empty() && r.dirtyQ.Empty() {
				if _, err := r.ring.SubmitAndWait(); err != nil {
					r.wakeupNeeded.Store(false)
					r.fail(err)
					return
				}
			} else {
				if _, err := r.ring.Submit(); err != nil {
					r.wakeupNeeded.Store(false)
					r.fail(err)
					return
				}
			}
			r.wakeupNeeded.Store(false)
		} else {
			r.ring.Drain(r.dispatch)
		}
	}
}

func (r *Reactor) runTasks() {
	n := r.publicQ.Drain(func(t Task) { t() })
	if n > 0 {
		r.tasksRun.Inc(int64(n))
	}
}

func (r *Reactor) flushDirtyChannels() {
	r.dirtyQ.Drain(func(ch *Channel) {
		if !ch.closed.Load() {
			r.handleWrite(ch)
		}
	})
}

// dispatch routes one completion by its op tag.
func (r *Reactor) dispatch(c api.Completion) {
	op, fd := api.UnpackUserData(c.UserData)
	switch op {
	case api.OpEventfdRead:
		r.armEventfdRead()
	case api.OpRead:
		r.handleRead(fd, c.Res)
	case api.OpWritev:
		r.handleWritev(fd, c.Res)
	case api.OpAccept:
		r.handleAccept(fd, c.Res)
	default:
		r.log.WithFields(logrus.Fields{"op": op, "fd": fd}).Warn("unknown completion op")
	}
}

func (r *Reactor) armEventfdRead() {
	if !r.ring.PushRead(r.eventfd, r.eventfdBuf, 0, api.PackUserData(api.OpEventfdRead, r.eventfd)) {
		// ring full; retry next tick so the wakeup path stays armed
		r.sched.Schedule(r.armEventfdRead)
	}
}

func (r *Reactor) armRead(ch *Channel) {
	ud := api.PackUserData(api.OpRead, ch.fd)
	if !r.ring.PushRead(ch.fd, ch.recvBuf, ch.recvW, ud) {
		r.sched.Schedule(func() {
			if !ch.closed.Load() {
				r.armRead(ch)
			}
		})
	}
}

func (r *Reactor) handleRead(fd int, res int32) {
	ch := r.byFd[fd]
	if ch == nil {
		return
	}
	if res < 0 {
		r.closeChannel(ch, fmt.Errorf("read: %w", unix.Errno(-res)))
		return
	}
	if res == 0 {
		r.closeChannel(ch, nil)
		return
	}

	ch.recvW += int(res)
	ch.readEvents.Inc(1)
	ch.bytesRead.Inc(int64(res))

	chain, err := ch.parse(r.reqAlloc, r.cfg.MaxFrameSize, r.service.HandleRequest)
	if chain != nil {
		r.service.HandleResponses(chain)
	}
	if err != nil {
		r.closeChannel(ch, err)
		return
	}
	r.armRead(ch)
}

func (r *Reactor) handleWritev(fd int, res int32) {
	ch := r.byFd[fd]
	if ch == nil {
		return
	}
	ch.writing = false
	ch.inflight = nil
	if res < 0 {
		r.closeChannel(ch, fmt.Errorf("writev: %w", unix.Errno(-res)))
		return
	}
	ch.bytesWritten.Inc(int64(res))
	ch.iov.Compact(int64(res))

	if !ch.iov.Empty() || !ch.unflushed.Empty() {
		if ch.dirty.CAS(false, true) {
			r.dirtyQ.Push(ch)
		}
	}
}

// handleWrite stages frames into the channel's IoVector and submits one
// WRITEV. Precondition: the channel is marked dirty.
func (r *Reactor) handleWrite(ch *Channel) {
	ch.iov.FillFromMPSC(ch.unflushed)
	// overflow beyond IOVMax stays on unflushed for the next cycle

	if ch.writing {
		// the WRITEV completion re-dirties the channel if frames remain
		ch.dirty.Store(false)
		return
	}
	if ch.iov.Empty() {
		ch.dirty.Store(false)
		ch.recheckDirty(r)
		return
	}

	ch.inflight = ch.iov.BuildIovecs(ch.inflight[:0])
	ud := api.PackUserData(api.OpWritev, ch.fd)
	if !r.ring.PushWritev(ch.fd, ch.inflight, ud) {
		// ring full: stay dirty, back off one tick
		ch.inflight = nil
		r.sched.Schedule(func() {
			if !ch.closed.Load() {
				r.handleWrite(ch)
			}
		})
		return
	}
	ch.writing = true
	ch.dirty.Store(false)
	ch.recheckDirty(r)
}

// recheckDirty closes the race between a producer enqueueing while the
// dirty flag was still raised and the flag being cleared.
func (ch *Channel) recheckDirty(r *Reactor) {
	if !ch.unflushed.Empty() && ch.dirty.CAS(false, true) {
		r.dirtyQ.Push(ch)
	}
}

func (r *Reactor) closeChannel(ch *Channel, cause error) {
	if !ch.closed.CAS(false, true) {
		return
	}
	delete(r.channels, ch.id)
	delete(r.byFd, ch.fd)

	if ch.inbound != nil {
		ch.inbound.Release()
		ch.inbound = nil
	}
	ch.releaseOutbound()
	unix.Close(ch.fd)

	for _, name := range []string{"bytesRead", "bytesWritten", "framesRead", "readEvents"} {
		r.registry.Unregister(fmt.Sprintf("channel.%d.%s", ch.id, name))
	}

	entry := r.log.WithFields(logrus.Fields{"fd": ch.fd, "remote": ch.remoteAddr})
	if cause != nil {
		entry.WithError(cause).Info("channel closed")
	} else {
		entry.Info("channel closed by peer")
	}
	if ch.Conn != nil {
		ch.Conn.Closed(cause)
	}
}

// registerChannel wires a configured socket into the registry and arms
// its first READ. Reactor thread only.
func (r *Reactor) registerChannel(ch *Channel) {
	r.channels[ch.id] = ch
	r.byFd[ch.fd] = ch
	r.armRead(ch)
}

func (r *Reactor) allocID() int {
	r.nextID++
	return r.nextID
}

func (r *Reactor) fail(err error) {
	r.err = err
	r.running.Store(false)
}

func (r *Reactor) teardown() {
	for _, ch := range r.byFd {
		r.closeChannel(ch, api.ErrReactorDown)
	}
	for fd, l := range r.listeners {
		unix.Close(l.fd)
		delete(r.listeners, fd)
	}
	if r.ownRing {
		if err := r.ring.Close(); err != nil && r.err == nil {
			r.err = fmt.Errorf("ring teardown: %w", err)
		}
	}
	unix.Close(r.eventfd)
	r.log.Info("reactor stopped")
	close(r.done)
}
