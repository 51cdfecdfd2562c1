package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionIndexStable(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 5} {
		for id := int64(0); id < 100; id++ {
			first := PartitionIndex(id, n)
			require.GreaterOrEqual(t, first, 0)
			require.Less(t, first, n)

			// pure function of the id
			for i := 0; i < 10; i++ {
				require.Equal(t, first, PartitionIndex(id, n))
			}
		}
	}
}

func TestPartitionIndexDistributes(t *testing.T) {
	t.Parallel()

	hit := make(map[int]bool)
	for id := int64(0); id < 10; id++ {
		hit[PartitionIndex(id, 3)] = true
	}
	require.Len(t, hit, 3)
}

func TestNormalizePair(t *testing.T) {
	t.Parallel()

	a1, b1 := NormalizePair(7, 3)
	a2, b2 := NormalizePair(3, 7)
	require.Equal(t, a1, a2)
	require.Equal(t, b1, b2)
	require.Equal(t, int64(3), a1)
	require.Equal(t, int64(7), b1)

	a, b := NormalizePair(5, 5)
	require.Equal(t, int64(5), a)
	require.Equal(t, int64(5), b)
}
