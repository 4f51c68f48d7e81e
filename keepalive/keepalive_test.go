package keepalive_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/octungo/octun/keepalive"
)

const never = 1000 * time.Hour

func TestAllDisabled(t *testing.T) {
	var ka keepalive.Info
	base := time.Now()
	ka.Reset(base)

	for _, offset := range []time.Duration{0, time.Second, time.Hour, 24 * 365 * time.Hour} {
		timeout := never
		require.Equal(t, keepalive.None, ka.Decide(base.Add(offset), &timeout))
		require.Equal(t, never, timeout, "disabled facets must not tighten the deadline")

		timeout = never
		require.Equal(t, keepalive.None, ka.DecideStalled(base.Add(offset), &timeout))
		require.Equal(t, never, timeout)
	}
}

func TestDPDProbeWindow(t *testing.T) {
	const d = 10 * time.Second
	base := time.Now()
	ka := keepalive.Info{DPD: d}
	ka.Reset(base)

	// A full DPD period of silence earns a probe.
	timeout := never
	require.Equal(t, keepalive.DPDProbe, ka.Decide(base.Add(d), &timeout))
	require.Equal(t, base.Add(d), ka.LastDPD, "probe time must be recorded")

	// With the probe outstanding, the retry waits half a period.
	timeout = never
	require.Equal(t, keepalive.None, ka.Decide(base.Add(d+time.Second), &timeout))
	require.Equal(t, d/2-time.Second, timeout, "deadline tightened to the retry point")

	// The retry fires at the half-period mark.
	timeout = never
	require.Equal(t, keepalive.DPDProbe, ka.Decide(base.Add(d+d/2), &timeout))

	// Two full periods of silence and the peer is dead.
	timeout = never
	require.Equal(t, keepalive.DPDDead, ka.Decide(base.Add(2*d+time.Second), &timeout))
}

func TestDPDDeadBoundary(t *testing.T) {
	const d = 10 * time.Second
	base := time.Now()
	ka := keepalive.Info{DPD: d}
	ka.Reset(base)
	ka.LastDPD = base.Add(d) // probe already sent

	// Exactly 2*dpd is still alive; death needs strictly more.
	timeout := never
	require.NotEqual(t, keepalive.DPDDead, ka.Decide(base.Add(2*d), &timeout))

	timeout = never
	require.Equal(t, keepalive.DPDDead, ka.Decide(base.Add(2*d+time.Nanosecond), &timeout))
}

func TestRekeyBeatsDPDDead(t *testing.T) {
	base := time.Now()
	ka := keepalive.Info{Rekey: 5 * time.Second, DPD: 10 * time.Second}
	ka.Reset(base)

	// Both are overdue; the stale key wins.
	now := base.Add(time.Hour)
	timeout := never
	require.Equal(t, keepalive.Rekey, ka.Decide(now, &timeout))

	timeout = never
	require.Equal(t, keepalive.Rekey, ka.DecideStalled(now, &timeout))
}

func TestKeepaliveDue(t *testing.T) {
	base := time.Now()
	ka := keepalive.Info{Keepalive: 20 * time.Second}
	ka.Reset(base)

	timeout := never
	require.Equal(t, keepalive.None, ka.Decide(base.Add(time.Second), &timeout))
	require.Equal(t, 19*time.Second, timeout)

	timeout = never
	require.Equal(t, keepalive.Keepalive, ka.Decide(base.Add(20*time.Second), &timeout))

	// Transmitting anything pushes the deadline out.
	ka.LastTx = base.Add(15 * time.Second)
	timeout = never
	require.Equal(t, keepalive.None, ka.Decide(base.Add(20*time.Second), &timeout))
	require.Equal(t, 15*time.Second, timeout)
}

func TestStalledNeverSends(t *testing.T) {
	base := time.Now()
	ka := keepalive.Info{DPD: 10 * time.Second, Keepalive: 5 * time.Second}
	ka.Reset(base)

	// Probe and keepalive both long overdue, but a blocked socket can't
	// carry either; only death and rekey may be reported.
	for _, offset := range []time.Duration{6 * time.Second, 10 * time.Second, 19 * time.Second} {
		timeout := never
		action := ka.DecideStalled(base.Add(offset), &timeout)
		require.Equal(t, keepalive.None, action)
		require.Less(t, timeout, never, "death deadline still tightens the wait")
	}

	timeout := never
	require.Equal(t, keepalive.DPDDead, ka.DecideStalled(base.Add(21*time.Second), &timeout))
}

func TestTimeoutOnlyTightened(t *testing.T) {
	base := time.Now()
	ka := keepalive.Info{DPD: 10 * time.Second}
	ka.Reset(base)

	// A caller deadline tighter than anything we compute stays put.
	timeout := time.Millisecond
	require.Equal(t, keepalive.None, ka.Decide(base.Add(time.Second), &timeout))
	require.Equal(t, time.Millisecond, timeout)
}
