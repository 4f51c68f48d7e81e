package mainloop

import (
	"time"

	"github.com/octungo/octun/poll"
)

// Handler is the per-tick contract between the scheduler and a subsystem.
//
// Tick performs whatever I/O is currently possible without blocking, adds the
// descriptors it wants watched to the interest set, and may pull *timeout in
// (never push it out). It returns how many units of work it did; the
// scheduler keeps iterating without blocking while anyone reports progress.
// A non-nil error ends the session with that error as the cause.
type Handler interface {
	Tick(in *poll.Interest, timeout *time.Duration) (int, error)
}

// StreamTransport is the mandatory reliable transport. The session cannot
// exist without it.
type StreamTransport interface {
	Handler

	// Bye sends a best-effort, non-blocking session-termination notice
	// carrying the reason. Failures are ignored.
	Bye(reason string)

	// Close tears the connection down. Used on pause and on final exit.
	Close()
}

// DatagramState is where the optional unreliable transport currently stands.
type DatagramState int

const (
	// DatagramIdle: no connection and no attempt in flight.
	DatagramIdle DatagramState = iota
	// DatagramHandshaking: an attempt is in flight; AdvanceHandshake
	// moves it along.
	DatagramHandshaking
	// DatagramEstablished: usable for tunnel traffic; Tick applies.
	DatagramEstablished
)

// DatagramTransport is the optional unreliable transport, attempted
// opportunistically alongside the stream.
type DatagramTransport interface {
	Handler

	State() DatagramState

	// Connect starts a new attempt. Only valid while idle.
	Connect() error

	// AdvanceHandshake moves an in-flight attempt one step without
	// blocking. Only valid while handshaking.
	AdvanceHandshake() (int, error)

	// Close drops the connection and any handshake in progress.
	// clearAttempt also forgets the last-attempt timestamp, so the next
	// Run starts a fresh attempt immediately (the pause path wants this).
	Close(clearAttempt bool)
}

// TunDevice is the local virtual network interface handler. Its Tick must run
// after both transports in an iteration: it owns its descriptor's
// write-readiness decision based on queue depth, and an earlier run would
// feed a stale flag into this iteration's wait.
type TunDevice interface {
	Handler

	// Teardown closes the interface. Called once on any non-pause exit.
	Teardown()
}
