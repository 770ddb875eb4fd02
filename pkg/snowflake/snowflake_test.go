package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextIsMonotonicAndUnique(t *testing.T) {
	g, err := NewGenerator(3)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	var last int64
	for i := 0; i < 10000; i++ {
		id := g.Next()
		require.False(t, seen[id], "duplicate id %d", id)
		require.Greater(t, id, last)
		seen[id] = true
		last = id
	}
}

func TestNewGeneratorRejectsOutOfRangeNode(t *testing.T) {
	_, err := NewGenerator(-1)
	require.Error(t, err)

	_, err = NewGenerator(maxNode + 1)
	require.Error(t, err)
}

func TestTimeRoundTrips(t *testing.T) {
	g, err := NewGenerator(0)
	require.NoError(t, err)
	id := g.Next()
	decoded := Time(id)
	require.WithinDuration(t, time.Now(), decoded, time.Second)
}
