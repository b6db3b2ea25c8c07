package hostclient

import "errors"

// Sentinel errors implementing the error taxonomy every Host Client
// implementation must map its failures onto. Callers use errors.Is
// against these to decide whether to retry a segment, refresh a
// session, re-resolve a link, or fail the task outright.
var (
	// ErrAuthExpired means the session token was rejected; the caller
	// should Refresh or Login and retry.
	ErrAuthExpired = errors.New("hostclient: session expired")

	// ErrQuotaExceeded means the host itself reports the account has
	// exhausted its traffic allowance, independent of our own local
	// accounting.
	ErrQuotaExceeded = errors.New("hostclient: quota exceeded")

	// ErrLinkExpired means the resolved direct URL is no longer valid
	// and Resolve must be called again.
	ErrLinkExpired = errors.New("hostclient: link expired")

	// ErrNotFound means the shared URL no longer references a file on
	// the host.
	ErrNotFound = errors.New("hostclient: not found")

	// ErrNetworkTransient means a retryable network-level failure
	// occurred (timeout, connection reset, 5xx).
	ErrNetworkTransient = errors.New("hostclient: transient network error")

	// ErrPermanent means the host rejected the request in a way retrying
	// will not fix.
	ErrPermanent = errors.New("hostclient: permanent error")
)
