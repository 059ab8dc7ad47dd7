// Package htm implements the integer arithmetic of the hierarchical
// triangular mesh trixel ID space. A trixel ID encodes its own ancestry:
// the eight root trixels occupy IDs 8-15 (bit length 4) and every
// subdivision level appends two bits, so an ID at level L has bit length
// 4+2L and its ancestors are obtained by right-shifting in two-bit steps.
//
// All functions are pure and perform no I/O.
package htm

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	// MinRootID and MaxRootID bound the eight level-0 trixels.
	MinRootID int64 = 8
	MaxRootID int64 = 15

	// MaxLevel is the deepest supported subdivision level. IDs below this
	// depth fit comfortably in an int64 (bit length 4+2*MaxLevel).
	MaxLevel = 24
)

// ErrInvalidTrixelID reports an ID outside the valid root-to-max-level range
// or one whose bit length does not align to a level boundary.
var ErrInvalidTrixelID = errors.New("invalid trixel id")

// Level computes the subdivision level of a trixel ID. Root trixels (8-15)
// are level 0.
func Level(id int64) (int, error) {
	if id < MinRootID {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTrixelID, id)
	}

	length := bits.Len64(uint64(id))
	if (length-4)%2 != 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTrixelID, id)
	}

	level := (length - 4) / 2
	if level > MaxLevel {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTrixelID, id)
	}
	return level, nil
}

// IsValid reports whether id denotes a trixel within the supported range.
func IsValid(id int64) bool {
	_, err := Level(id)
	return err == nil
}

// Ancestor computes the ancestor of id that lies generations subdivision
// levels up. Ancestor(id, 0) is id itself. The caller must ensure that
// generations does not exceed the trixel's own level.
func Ancestor(id int64, generations int) int64 {
	return id >> (2 * generations)
}

// Ancestors returns the chain of ancestor IDs from id itself up to its
// level-0 root, most specific first.
func Ancestors(id int64) ([]int64, error) {
	level, err := Level(id)
	if err != nil {
		return nil, err
	}

	chain := make([]int64, 0, level+1)
	for k := 0; k <= level; k++ {
		chain = append(chain, Ancestor(id, k))
	}
	return chain, nil
}

// RootIDs returns the IDs of the eight level-0 trixels.
func RootIDs() []int64 {
	roots := make([]int64, 0, MaxRootID-MinRootID+1)
	for id := MinRootID; id <= MaxRootID; id++ {
		roots = append(roots, id)
	}
	return roots
}
