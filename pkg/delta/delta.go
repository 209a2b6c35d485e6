// Package delta produces binary deltas between consecutive config
// snapshots of a job, so the journal can show how a configuration evolved
// without storing every version twice.
package delta

import (
	"fmt"
)

// Engine computes and applies binary deltas between snapshot contents.
type Engine interface {
	// Compute returns the delta that transforms oldData into newData
	Compute(oldData, newData []byte) ([]byte, error)

	// Apply transforms baseData with a previously computed delta
	Apply(baseData, patch []byte) ([]byte, error)

	// Name returns the engine's algorithm name
	Name() string
}

// NewEngine creates a delta engine for the named algorithm.
func NewEngine(algorithm string) (Engine, error) {
	switch algorithm {
	case "bsdiff":
		return NewBsdiffEngine(), nil
	case "xdelta":
		return nil, fmt.Errorf("xdelta support not yet implemented")
	default:
		return nil, fmt.Errorf("unsupported delta algorithm: %s (must be 'bsdiff' or 'xdelta')", algorithm)
	}
}

// Stats summarizes a delta between two snapshot versions.
type Stats struct {
	OldSize   int
	NewSize   int
	PatchSize int
	// Ratio is patch size over new size; below 1.0 the delta saved space
	Ratio float64
}

// ComputeStats calculates size statistics for a computed delta.
func ComputeStats(oldData, newData, patch []byte) Stats {
	stats := Stats{
		OldSize:   len(oldData),
		NewSize:   len(newData),
		PatchSize: len(patch),
	}

	if len(newData) > 0 {
		stats.Ratio = float64(len(patch)) / float64(len(newData))
	}

	return stats
}
