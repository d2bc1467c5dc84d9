package value

import "fmt"

// Leaf is the principal-variation leaf reached by searching one position.
type Leaf struct {
	Features []float64
	Terminal bool
	// Reward is the exact first-player reward when Terminal is set.
	Reward float64
}

// TDLeaf computes the TD(lambda) parameter delta for one episode. leaves[t]
// is the searched leaf for the t-th position played and reward is the final
// outcome. Terminal leaves are scored exactly and carry no gradient.
func TDLeaf(fn Function, leaves []Leaf, reward, alpha, lambda float64) ([]float64, error) {
	delta := make([]float64, len(fn.Params()))
	if len(leaves) == 0 {
		return delta, nil
	}

	values := make([]float64, len(leaves)+1)
	grads := make([][]float64, len(leaves))
	for t, leaf := range leaves {
		if leaf.Terminal {
			values[t] = leaf.Reward
			continue
		}
		v, g, err := fn.Gradient(leaf.Features)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", t, err)
		}
		values[t], grads[t] = v, g
	}
	values[len(leaves)] = reward

	// Accumulate sum_{j>=t} lambda^(j-t) * (v[j+1] - v[j]) backwards.
	acc := 0.0
	for t := len(leaves) - 1; t >= 0; t-- {
		acc = values[t+1] - values[t] + lambda*acc
		if grads[t] == nil {
			continue
		}
		scale := alpha * acc
		for i, g := range grads[t] {
			delta[i] += scale * g
		}
	}
	return delta, nil
}
