// Package keepalive implements the per-transport keepalive, dead peer
// detection and rekey scheduling used by both tunnel transports.
//
// The decision function is a time-driven query: the transport's I/O path
// updates the Last* timestamps, and once per tick the transport asks what,
// if anything, is due. The answer is at most one action; everything else
// only tightens the caller's wait deadline.
package keepalive

import "time"

// Action is what a transport must do right now.
type Action int

const (
	// None: nothing due; the deadline may still have been tightened.
	None Action = iota
	// Rekey: the key refresh interval elapsed. Highest priority,
	// a stale key is worse than a late probe.
	Rekey
	// DPDProbe: no traffic from the peer for a full DPD period,
	// send a probe it must answer.
	DPDProbe
	// DPDDead: the peer missed two full DPD periods. Fatal for
	// the transport.
	DPDDead
	// Keepalive: nothing sent for the keepalive interval; send a dummy
	// packet the peer discards. One-directional, only refreshes
	// NAT/firewall state.
	Keepalive
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case Rekey:
		return "rekey"
	case DPDProbe:
		return "dpd probe"
	case DPDDead:
		return "dpd dead"
	case Keepalive:
		return "keepalive"
	}
	return "invalid"
}

// Info holds one transport's keepalive configuration and event history.
// A zero interval disables that facet. The Last* timestamps are updated
// only by the transport's own I/O handler; Decide updates LastDPD and
// nothing else.
type Info struct {
	Rekey     time.Duration
	DPD       time.Duration
	Keepalive time.Duration

	LastRx    time.Time
	LastTx    time.Time
	LastRekey time.Time
	LastDPD   time.Time
}

// Reset stamps every event timestamp with now, as at the start of a new
// session on the transport.
func (ka *Info) Reset(now time.Time) {
	ka.LastRx = now
	ka.LastTx = now
	ka.LastRekey = now
	ka.LastDPD = time.Time{}
}

// clamp lowers *timeout to d when d is tighter. Deadlines are only ever
// pulled in, never pushed out.
func clamp(timeout *time.Duration, d time.Duration) {
	if *timeout > d {
		*timeout = d
	}
}

// Decide reports the action due at now, tightening *timeout to the soonest
// future deadline along the way. When a DPD probe is due, LastDPD is stamped
// so a repeat probe waits half a DPD period.
func (ka *Info) Decide(now time.Time, timeout *time.Duration) Action {
	if ka.Rekey != 0 {
		due := ka.LastRekey.Add(ka.Rekey)
		if !now.Before(due) {
			return Rekey
		}
		clamp(timeout, due.Sub(now))
	}

	// DPD is bidirectional: probe out, response back.
	if ka.DPD != 0 {
		due := ka.LastRx.Add(ka.DPD)
		overdue := ka.LastRx.Add(2 * ka.DPD)

		// Peer didn't respond.
		if now.After(overdue) {
			return DPDDead
		}

		// If we already have a probe outstanding, don't flood. Repeat
		// by all means, but only after half the DPD period.
		if ka.LastDPD.After(ka.LastRx) {
			due = ka.LastDPD.Add(ka.DPD / 2)
		}

		// Nothing from the peer for a full DPD period;
		// prod it to see if it's still alive.
		if !now.Before(due) {
			ka.LastDPD = now
			return DPDProbe
		}
		clamp(timeout, due.Sub(now))
	}

	// Keepalive is just client -> server.
	if ka.Keepalive != 0 {
		due := ka.LastTx.Add(ka.Keepalive)
		if !now.Before(due) {
			return Keepalive
		}
		clamp(timeout, due.Sub(now))
	}

	return None
}

// DecideStalled is Decide for a transport that cannot currently send
// (write-blocked socket). No probe or keepalive can go out, so only the
// rekey deadline and the DPD death sentence are reported.
func (ka *Info) DecideStalled(now time.Time, timeout *time.Duration) Action {
	if ka.Rekey != 0 {
		due := ka.LastRekey.Add(ka.Rekey)
		if !now.Before(due) {
			return Rekey
		}
		clamp(timeout, due.Sub(now))
	}

	if ka.DPD == 0 {
		return None
	}

	overdue := ka.LastRx.Add(2 * ka.DPD)
	if now.After(overdue) {
		return DPDDead
	}
	clamp(timeout, overdue.Sub(now))

	return None
}
