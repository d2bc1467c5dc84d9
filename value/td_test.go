package value

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTDLeaf(t *testing.T) {
	features := []float64{1, 0, 1, 1}

	t.Run("empty episode yields a zero delta", func(t *testing.T) {
		n := testNetwork(4)
		delta, err := TDLeaf(n, nil, 1, 0.1, 0.7)
		require.NoError(t, err)
		require.Len(t, delta, len(n.Params()))
		for _, d := range delta {
			require.Zero(t, d)
		}
	})

	t.Run("single leaf moves towards the reward", func(t *testing.T) {
		n := testNetwork(4)
		v, g, err := n.Gradient(features)
		require.NoError(t, err)

		delta, err := TDLeaf(n, []Leaf{{Features: features}}, 1, 0.5, 0.7)
		require.NoError(t, err)
		for i := range delta {
			require.InDelta(t, 0.5*(1-v)*g[i], delta[i], 1e-12)
		}
	})

	t.Run("lambda discounts later errors", func(t *testing.T) {
		n := testNetwork(4)
		leaves := []Leaf{{Features: features}, {Features: features}}
		v, g, err := n.Gradient(features)
		require.NoError(t, err)

		delta, err := TDLeaf(n, leaves, -1, 1, 0.5)
		require.NoError(t, err)
		// first error is zero (same leaf), second is -1-v
		second := -1 - v
		want := second + 0.5*second
		for i := range delta {
			require.InDelta(t, want*g[i], delta[i], 1e-12)
		}
	})

	t.Run("terminal leaves contribute no gradient", func(t *testing.T) {
		n := testNetwork(4)
		delta, err := TDLeaf(n, []Leaf{{Terminal: true, Reward: 1}}, 1, 1, 1)
		require.NoError(t, err)
		for _, d := range delta {
			require.Zero(t, d)
		}
	})

	t.Run("wrong width fails", func(t *testing.T) {
		n := testNetwork(4)
		_, err := TDLeaf(n, []Leaf{{Features: []float64{1}}}, 1, 1, 1)
		require.ErrorIs(t, err, ErrDimensionMismatch)
	})
}
