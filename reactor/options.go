// File: reactor/options.go
// Author: momentics <momentics@gmail.com>
//
// Functional options for reactor construction.

package reactor

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/tpcnet/api"
	"github.com/momentics/tpcnet/frame"
)

// Config carries the recognized reactor and socket options.
type Config struct {
	// Name labels the reactor in logs and metrics.
	Name string

	// Spin disables blocking waits; the loop busy-polls the completion
	// queue.
	Spin bool

	// RingSize is the io_uring entry count.
	RingSize uint32

	// IosqeAsyncThreshold, when positive, hints the kernel to punt
	// submissions to async workers once a submit batch grows past it.
	IosqeAsyncThreshold int

	// ReceiveBufferSize and SendBufferSize set per-socket SO_RCVBUF /
	// SO_SNDBUF and size the reactor-side receive buffer.
	ReceiveBufferSize int
	SendBufferSize    int

	// TCPNoDelay and TCPQuickAck are applied at accept and connect.
	TCPNoDelay  bool
	TCPQuickAck bool

	// ListenBacklog is the listen(2) backlog.
	ListenBacklog int

	// MaxFrameSize caps a single inbound frame; larger declared sizes
	// close the channel with a protocol error.
	MaxFrameSize int

	// CPU pins the reactor thread to a logical core; negative skips the
	// bind and only locks the OS thread.
	CPU int

	// Logger overrides the default logrus logger.
	Logger *logrus.Logger

	// Ring injects a prebuilt ring; tests use fake.Ring here. When nil
	// the reactor sets up a kernel io_uring of RingSize entries.
	Ring api.Ring
}

func defaultConfig() Config {
	return Config{
		Name:              "reactor",
		RingSize:          4096,
		ReceiveBufferSize: 256 << 10,
		SendBufferSize:    256 << 10,
		TCPNoDelay:        true,
		TCPQuickAck:       true,
		ListenBacklog:     10,
		MaxFrameSize:      frame.DefaultMaxFrameSize,
		CPU:               -1,
	}
}

// Option customizes a reactor at construction.
type Option func(*Config)

// WithName labels the reactor.
func WithName(name string) Option { return func(c *Config) { c.Name = name } }

// WithSpin enables busy-poll mode.
func WithSpin(spin bool) Option { return func(c *Config) { c.Spin = spin } }

// WithRingSize sets the io_uring entry count.
func WithRingSize(n uint32) Option { return func(c *Config) { c.RingSize = n } }

// WithIosqeAsyncThreshold sets the async submission hint.
func WithIosqeAsyncThreshold(n int) Option {
	return func(c *Config) { c.IosqeAsyncThreshold = n }
}

// WithReceiveBufferSize sets SO_RCVBUF and the reactor receive buffer.
func WithReceiveBufferSize(n int) Option {
	return func(c *Config) { c.ReceiveBufferSize = n }
}

// WithSendBufferSize sets SO_SNDBUF.
func WithSendBufferSize(n int) Option {
	return func(c *Config) { c.SendBufferSize = n }
}

// WithTCPNoDelay toggles TCP_NODELAY on accepted and connected sockets.
func WithTCPNoDelay(v bool) Option { return func(c *Config) { c.TCPNoDelay = v } }

// WithTCPQuickAck toggles TCP_QUICKACK on accepted and connected sockets.
func WithTCPQuickAck(v bool) Option { return func(c *Config) { c.TCPQuickAck = v } }

// WithListenBacklog sets the listen(2) backlog.
func WithListenBacklog(n int) Option { return func(c *Config) { c.ListenBacklog = n } }

// WithMaxFrameSize caps inbound frame sizes.
func WithMaxFrameSize(n int) Option { return func(c *Config) { c.MaxFrameSize = n } }

// WithCPU pins the reactor thread to a logical core.
func WithCPU(cpu int) Option { return func(c *Config) { c.CPU = cpu } }

// WithLogger overrides the logger.
func WithLogger(l *logrus.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithRing injects a ring implementation instead of a kernel io_uring.
func WithRing(r api.Ring) Option { return func(c *Config) { c.Ring = r } }
