// Package mainloop is the central scheduling loop of the VPN client. It
// multiplexes the stream transport, the optional datagram transport and the
// tun device over one thread of control: every subsystem gets a tick to do
// whatever I/O is ready, and only when nobody made progress does the loop
// block on descriptor readiness, bounded by the tightest deadline any
// subsystem reported.
package mainloop

import (
	"errors"
	"fmt"
	"time"

	"github.com/octungo/octun/poll"
)

// maxTimeout is the blocking-wait ceiling when no subsystem reports a
// deadline.
const maxTimeout = time.Hour

// Options carries the session-level timing knobs.
type Options struct {
	// ReconnectTimeout and ReconnectInterval bound the embedding
	// application's reconnect policy. The loop itself never reconnects;
	// it only tracks the knobs for the caller.
	ReconnectTimeout  time.Duration
	ReconnectInterval time.Duration

	// DatagramAttemptPeriod is how long after a failed or absent datagram
	// connection a new attempt is started. Zero disables reattempts.
	DatagramAttemptPeriod time.Duration
}

type sessionState int

const (
	stateRunning sessionState = iota
	statePaused
	stateTerminated
)

// Session is the long-lived aggregate the loop runs over. It is owned by the
// goroutine calling Run for the duration of the call; only Command is safe to
// touch from elsewhere.
type Session struct {
	log    *Logger
	cmd    *Command
	stream StreamTransport
	dgram  DatagramTransport // optional, may be nil
	tun    TunDevice
	opts   Options

	state          sessionState
	quitErr        error // set once; first cause wins
	lastDgramStart time.Time
}

// NewSession assembles a session. stream and tun are mandatory, dgram may be
// nil.
func NewSession(log *Logger, cmd *Command, stream StreamTransport, dgram DatagramTransport, tun TunDevice, opts Options) (*Session, error) {
	if stream == nil {
		return nil, errors.New("mainloop: stream transport is mandatory")
	}
	if tun == nil {
		return nil, errors.New("mainloop: tun device is mandatory")
	}
	if cmd == nil {
		return nil, errors.New("mainloop: command source is mandatory")
	}
	return &Session{
		log:    log,
		cmd:    cmd,
		stream: stream,
		dgram:  dgram,
		tun:    tun,
		opts:   opts,
	}, nil
}

// Rebind replaces the transports while the session is paused, before the
// next Run resumes it. The pause path closed and invalidated the previous
// handles, so the embedding application dials fresh ones.
func (s *Session) Rebind(stream StreamTransport, dgram DatagramTransport) error {
	if s.state != statePaused {
		return errors.New("mainloop: Rebind outside pause")
	}
	if stream == nil {
		return errors.New("mainloop: stream transport is mandatory")
	}
	s.stream = stream
	s.dgram = dgram
	return nil
}

// fail records the termination cause. The first cause wins; later ones are
// side effects of the first and only get logged.
func (s *Session) fail(err error) {
	if s.quitErr == nil {
		s.quitErr = err
		s.log.Infof("Session terminating: %v", err)
		return
	}
	s.log.Verbosef("Already terminating (%v), also: %v", s.quitErr, err)
}

// Run drives the session until it is paused, cancelled or fails.
//
// The only successful return is the pause path: Run returns nil after a
// Pause command, with both transports closed and the session otherwise
// intact, and may be called again to resume. Every other exit sends a
// best-effort goodbye on the stream transport, tears the tun device down,
// and returns the recorded cause, or ErrIO when no more specific cause was
// recorded. Calling Run after a terminating return panics.
func (s *Session) Run() error {
	if s.state == stateTerminated {
		panic("mainloop: Run called after termination")
	}
	s.state = stateRunning

	for s.quitErr == nil {
		didWork := 0
		timeout := maxTimeout
		var in poll.Interest
		in.Read(s.cmd.fd())

		if s.dgram != nil {
			s.tickDatagram(&in, &timeout, &didWork)
		}
		if s.quitErr != nil {
			break
		}

		n, err := s.stream.Tick(&in, &timeout)
		didWork += n
		if err != nil {
			s.fail(err)
			break
		}

		// Tun must be last because it sets and clears its own
		// readiness interest according to the queue depth.
		n, err = s.tun.Tick(&in, &timeout)
		didWork += n
		if err != nil {
			s.fail(err)
			break
		}

		cancel, pause := s.cmd.take()
		if cancel {
			s.fail(ErrAborted)
			break
		}
		if pause {
			// Close all connections and wait for the caller to
			// invoke Run again.
			s.stream.Close()
			if s.dgram != nil {
				s.dgram.Close(true)
			}
			s.lastDgramStart = time.Time{}
			s.log.Infof("Caller paused the connection")
			s.state = statePaused
			return nil
		}

		if didWork > 0 {
			// Progress may have unblocked more progress.
			continue
		}

		s.log.Verbosef("No work to do; sleeping for %v...", timeout)
		if _, err := poll.Wait(in, timeout); err != nil {
			s.fail(fmt.Errorf("mainloop wait: %w", err))
		}
	}

	reason := "unknown reason"
	if s.quitErr != nil {
		reason = s.quitErr.Error()
	}
	s.stream.Bye(reason)
	s.tun.Teardown()
	s.state = stateTerminated

	// A quit with no recorded cause is still a failure to the caller;
	// only the pause path returns success.
	if s.quitErr == nil {
		return ErrIO
	}
	return s.quitErr
}

// tickDatagram advances the optional transport through its states: move an
// in-flight handshake along, start a fresh attempt once the reattempt period
// has elapsed, or run the established connection's I/O tick.
func (s *Session) tickDatagram(in *poll.Interest, timeout *time.Duration, didWork *int) {
	switch s.dgram.State() {
	case DatagramHandshaking:
		n, err := s.dgram.AdvanceHandshake()
		*didWork += n
		if err != nil {
			s.fail(err)
		}

	case DatagramIdle:
		if s.opts.DatagramAttemptPeriod == 0 {
			return
		}
		if time.Since(s.lastDgramStart) < s.opts.DatagramAttemptPeriod {
			return
		}
		s.log.Verbosef("Attempting new datagram connection")
		s.lastDgramStart = time.Now()
		if err := s.dgram.Connect(); err != nil {
			// Opportunistic; the stream still carries the tunnel.
			s.log.Verbosef("Datagram connect failed: %v", err)
		}

	case DatagramEstablished:
		n, err := s.dgram.Tick(in, timeout)
		*didWork += n
		if err != nil {
			s.fail(err)
		}
	}
}
