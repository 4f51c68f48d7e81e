package mainloop

import "errors"

// The session-ending error kinds. Handlers return these (possibly wrapped)
// from Tick; the scheduler records the first one as the termination cause and
// hands it back from Run. Callers dispatch with errors.Is.
var (
	// ErrAborted: the embedding application cancelled the session.
	ErrAborted = errors.New("aborted by caller")

	// ErrRemoteTerminated: the peer explicitly ended the session.
	ErrRemoteTerminated = errors.New("remote end terminated session")

	// ErrAuthExpired: the peer rejected continued access; the caller
	// should re-authenticate rather than reconnect blindly.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrDeadPeer: dead peer detection gave up on the peer.
	ErrDeadPeer = errors.New("peer unresponsive (DPD)")

	// ErrIO: the loop ended without a more specific cause.
	ErrIO = errors.New("tunnel I/O error")
)
