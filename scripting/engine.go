// Package scripting inspects JavaScript carried by PDF actions and name
// trees. Scripts are parsed to classify them; they are never executed.
package scripting

import "context"

// Verdict classifies one script body.
type Verdict int

const (
	VerdictEmpty Verdict = iota
	VerdictValid
	VerdictInvalid
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	default:
		return "empty"
	}
}

// Analysis is what an Inspector learned about a script.
type Analysis struct {
	Verdict    Verdict
	Statements int
	Functions  int
	// Sensitive lists the viewer APIs the source references, sorted.
	Sensitive []string
	Err       error
}

// Inspector classifies script source without running it.
type Inspector interface {
	Inspect(ctx context.Context, src []byte) Analysis
}
