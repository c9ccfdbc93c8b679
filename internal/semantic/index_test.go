package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_Search(t *testing.T) {
	idx := New(0)
	require.NoError(t, idx.Put("x", []float32{1, 0, 0}))
	require.NoError(t, idx.Put("y", []float32{0.7, 0.7, 0}))
	require.NoError(t, idx.Put("z", []float32{0, 0, 1}))
	require.NoError(t, idx.Put("w", []float32{2, 0, 0}))
	assert.Equal(t, 3, idx.Dimensions())
	assert.Equal(t, 4, idx.Len())

	hits, err := idx.Search([]float32{1, 0, 0}, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 4)
	assert.Equal(t, "w", hits[0].ID, "equal similarity sorts by id")
	assert.Equal(t, "x", hits[1].ID)
	assert.InDelta(t, 1.0, hits[1].Similarity, 1e-9)
	assert.Equal(t, "y", hits[2].ID)
	assert.InDelta(t, 0.0, hits[3].Similarity, 1e-9)

	hits, err = idx.Search([]float32{1, 0, 0}, 10, 0.5)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	hits, err = idx.Search([]float32{1, 0, 0}, 1, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestIndex_DimensionMismatch(t *testing.T) {
	idx := New(2)
	assert.ErrorIs(t, idx.Put("a", []float32{1, 2, 3}), ErrDimensionMismatch)
	require.NoError(t, idx.Put("a", []float32{1, 2}))

	_, err := idx.Search([]float32{1}, 5, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestIndex_EmptyAndZeroVectors(t *testing.T) {
	idx := New(0)
	hits, err := idx.Search([]float32{1, 2}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.ErrorIs(t, idx.Put("a", []float32{0, 0}), ErrZeroVector)
	assert.Equal(t, 0, idx.Dimensions())

	require.NoError(t, idx.Put("a", []float32{1, 1}))
	require.NoError(t, idx.Put("a", nil))
	assert.Equal(t, 0, idx.Len())
	_, ok := idx.Vector("a")
	assert.False(t, ok)
}

func TestIndex_VectorIsCopied(t *testing.T) {
	idx := New(0)
	v := []float32{1, 2}
	require.NoError(t, idx.Put("a", v))
	v[0] = 9
	got, ok := idx.Vector("a")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, got)
}
