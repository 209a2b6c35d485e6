package delta

import (
	"fmt"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
)

// BsdiffEngine implements Engine using bsdiff/bspatch.
type BsdiffEngine struct{}

// NewBsdiffEngine creates a bsdiff-based delta engine.
func NewBsdiffEngine() *BsdiffEngine {
	return &BsdiffEngine{}
}

// Name returns the engine's algorithm name.
func (e *BsdiffEngine) Name() string {
	return "bsdiff"
}

// Compute computes a binary delta using bsdiff. An empty old version has no
// base to diff against, so the new content itself is returned and Apply
// treats it as a full snapshot.
func (e *BsdiffEngine) Compute(oldData, newData []byte) ([]byte, error) {
	if len(oldData) == 0 && len(newData) == 0 {
		return []byte{}, nil
	}

	if len(oldData) == 0 {
		return newData, nil
	}

	patch, err := bsdiff.Bytes(oldData, newData)
	if err != nil {
		return nil, fmt.Errorf("bsdiff computation failed: %w", err)
	}

	return patch, nil
}

// Apply applies a bsdiff delta to base data.
func (e *BsdiffEngine) Apply(baseData, patch []byte) ([]byte, error) {
	if len(patch) == 0 {
		return baseData, nil
	}

	// An empty base means the "patch" is the full snapshot content.
	if len(baseData) == 0 {
		return patch, nil
	}

	newData, err := bspatch.Bytes(baseData, patch)
	if err != nil {
		return nil, fmt.Errorf("bspatch application failed: %w", err)
	}

	return newData, nil
}
