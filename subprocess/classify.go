package subprocess

import "strings"

// Class tags a failure as eligible for retry or not.
type Class int

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// TransientMarkers are the stderr fragments that mark an assistant failure as
// transient. Matching is case-insensitive.
var TransientMarkers = []string{
	"500",
	"overloaded",
	"rate limit",
	"timeout",
	"timed out",
	"connection reset",
}

// Classify inspects a failed result. Timeouts and results whose stderr carries
// a transient marker are Transient; everything else is Permanent. Successful
// results are reported as Permanent since there is nothing to retry.
func Classify(r Result) Class {
	if r.Success {
		return Permanent
	}
	if r.TimedOut {
		return Transient
	}
	if HasTransientMarker(r.Stderr) {
		return Transient
	}
	return Permanent
}

// HasTransientMarker reports whether text contains one of TransientMarkers.
func HasTransientMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range TransientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
