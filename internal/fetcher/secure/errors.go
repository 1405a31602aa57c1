package secure

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/sitemap-indexer/internal/policy/netguard"
)

// Stage names the step of a logical fetch that failed.
type Stage string

// Fetch stages.
const (
	StagePolicy     Stage = "policy"
	StageConnect    Stage = "connect"
	StageRedirect   Stage = "redirect"
	StageStatus     Stage = "status"
	StageDecompress Stage = "decompress"
	StageRead       Stage = "read"
)

var (
	// ErrTooManyRedirects is returned when a chain exceeds the configured hop ceiling.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrBodyTooLarge is returned when a body, compressed or not, exceeds the size cap.
	ErrBodyTooLarge = errors.New("response body exceeds size limit")
	// ErrUnpinnedAddress is returned when the connected peer cannot be tied to a validated address.
	ErrUnpinnedAddress = errors.New("connection peer is not a validated address")
)

// FetchError reports a failed logical fetch.
type FetchError struct {
	Stage Stage
	// URL is the hop that failed; callers must sanitize before logging it.
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Stage, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Stage, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StageOf extracts the stage from err, or "" when err is not a *FetchError.
func StageOf(err error) Stage {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Stage
	}
	return ""
}

// IsPolicy reports whether err was caused by the outbound address policy,
// either before connecting or when verifying the connected peer.
func IsPolicy(err error) bool {
	return errors.Is(err, netguard.ErrPolicyViolation) || StageOf(err) == StagePolicy
}

// classifyTransport maps a round-trip error to a stage.
func classifyTransport(err error) Stage {
	if errors.Is(err, netguard.ErrPolicyViolation) {
		return StagePolicy
	}
	return StageConnect
}
