package htm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelRoots(t *testing.T) {
	for id := int64(8); id <= 15; id++ {
		level, err := Level(id)
		require.NoError(t, err)
		assert.Equal(t, 0, level, "root trixel %d must be level 0", id)
	}
}

func TestLevelInvalidIDs(t *testing.T) {
	tests := []struct {
		name string
		id   int64
	}{
		{"zero", 0},
		{"negative", -8},
		{"below root range", 7},
		{"one", 1},
		{"misaligned bit length 5", 16},   // bit length 5
		{"misaligned bit length 5b", 31},  // bit length 5
		{"misaligned bit length 7", 64},   // bit length 7
		{"misaligned bit length 7b", 127}, // bit length 7
		{"beyond max level", int64(1) << 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Level(tt.id)
			assert.ErrorIs(t, err, ErrInvalidTrixelID)
			assert.False(t, IsValid(tt.id))
		})
	}
}

func TestLevelSubdivisions(t *testing.T) {
	tests := []struct {
		id    int64
		level int
	}{
		{32, 1},      // 0b100000, child of root 8
		{35, 1},      // 0b100011
		{63, 1},      // 0b111111, deepest child of root 15
		{141, 2},     // 0b10001101, descendant of root 8
		{128, 2},     // 0b10000000
		{512, 3},     // bit length 10
		{8 << 48, 24}, // root 8 subdivided MaxLevel times
	}

	for _, tt := range tests {
		level, err := Level(tt.id)
		require.NoError(t, err, "id %d", tt.id)
		assert.Equal(t, tt.level, level, "id %d", tt.id)
	}
}

func TestAncestorLevelRelation(t *testing.T) {
	// For every valid trixel, the ancestor k generations up sits exactly
	// k levels above it.
	ids := []int64{8, 15, 32, 63, 141, 512, 8 << 20, 15<<10 | 37}

	for _, id := range ids {
		level, err := Level(id)
		require.NoError(t, err)

		for k := 0; k <= level; k++ {
			ancestor := Ancestor(id, k)
			ancestorLevel, err := Level(ancestor)
			require.NoError(t, err, "ancestor of %d at depth %d", id, k)
			assert.Equal(t, level-k, ancestorLevel)
		}
	}
}

func TestAncestorIdentity(t *testing.T) {
	assert.Equal(t, int64(141), Ancestor(141, 0))
	assert.Equal(t, int64(35), Ancestor(141, 1))
	assert.Equal(t, int64(8), Ancestor(141, 2))
}

func TestAncestors(t *testing.T) {
	chain, err := Ancestors(141)
	require.NoError(t, err)
	assert.Equal(t, []int64{141, 35, 8}, chain)

	chain, err = Ancestors(8)
	require.NoError(t, err)
	assert.Equal(t, []int64{8}, chain)

	_, err = Ancestors(7)
	assert.ErrorIs(t, err, ErrInvalidTrixelID)
}

func TestRootIDs(t *testing.T) {
	roots := RootIDs()
	require.Len(t, roots, 8)
	assert.Equal(t, []int64{8, 9, 10, 11, 12, 13, 14, 15}, roots)
}
