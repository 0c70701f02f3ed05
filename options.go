package evloop

import "math"

// Options configures a Loop at construction: a plain struct of tunables
// rather than a file/env-driven config loader, because a Loop is an
// in-process embedded primitive with no process boundary for a config file
// to bind to.
type Options struct {
	// EpollMaxEvents bounds how many readiness events the readiness
	// backend dequeues per poll() call.
	EpollMaxEvents int

	// RingEntries sizes the ring of the optional io_uring completion
	// backend (build tag "iouring"). RecvBuffersCount/RecvBufferLen are
	// filled in by withDefaults but not read by any backend.
	RingEntries      uint32
	RecvBuffersCount uint32
	RecvBufferLen    uint32

	// IOCPConcurrentThreads is only consulted by the Windows completion
	// backend; 0 means "let the OS pick" (NumberOfConcurrentThreads=0).
	IOCPConcurrentThreads uint32

	// PollTimeoutMaxMillis clamps the computed poll timeout (spec.md §5,
	// §9 open question). Defaults to math.MaxInt32 milliseconds so the
	// clamp survives a time.Duration round trip on 32-bit platforms too.
	PollTimeoutMaxMillis int64
}

// DefaultOptions holds reasonable defaults for every tunable.
var DefaultOptions = Options{
	EpollMaxEvents:        256,
	RingEntries:           1024,
	RecvBuffersCount:      256,
	RecvBufferLen:         4 * 1024,
	IOCPConcurrentThreads: 0,
	PollTimeoutMaxMillis:  math.MaxInt32,
}

func (o Options) withDefaults() Options {
	if o.EpollMaxEvents == 0 {
		o.EpollMaxEvents = DefaultOptions.EpollMaxEvents
	}
	if o.RingEntries == 0 {
		o.RingEntries = DefaultOptions.RingEntries
	}
	if o.RecvBuffersCount == 0 {
		o.RecvBuffersCount = DefaultOptions.RecvBuffersCount
	}
	if o.RecvBufferLen == 0 {
		o.RecvBufferLen = DefaultOptions.RecvBufferLen
	}
	if o.PollTimeoutMaxMillis == 0 {
		o.PollTimeoutMaxMillis = DefaultOptions.PollTimeoutMaxMillis
	}
	return o
}
