package gstsource

import (
	"errors"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

var (
	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("gstsource: invalid configuration")

	// ErrAlreadyStarted is returned by Start on a running source.
	ErrAlreadyStarted = errors.New("gstsource: source already started")

	// errEndOfStream ends a session on EOS. Loop mode restarts without
	// counting a retry.
	errEndOfStream = errors.New("gstsource: end of stream")
)

// ErrorCategory classifies pipeline errors for telemetry.
type ErrorCategory int

const (
	ErrCategoryResource ErrorCategory = iota // missing file, permissions, bad URI
	ErrCategoryCodec                         // decode or negotiation failures
	ErrCategoryNetwork                       // remote URIs
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// classifyGError categorises a bus error. go-gst's GError exposes no
// domain, so classification is keyword based.
func classifyGError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

func classify(errMsg, debugStr string) ErrorCategory {
	combined := strings.ToLower(errMsg + " " + debugStr)

	// Most specific first: "not found" also appears in network errors.
	switch {
	case containsAny(combined, "no such file", "permission denied", "could not open", "invalid uri", "resource not found"):
		return ErrCategoryResource
	case containsAny(combined, "codec", "decode", "not negotiated", "not-negotiated", "negotiation", "caps", "missing plugin", "no decoder"):
		return ErrCategoryCodec
	case containsAny(combined, "connection", "timeout", "unreachable", "network", "socket", "resolve", "could not connect"):
		return ErrCategoryNetwork
	}
	return ErrCategoryUnknown
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
