package mockup

import (
	"math/rand/v2"
)

// Chooser picks k distinct indices from [0, n). Implementations must
// return exactly min(k, n) indices.
type Chooser interface {
	Choose(n, k int) []int
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(n, k int) []int

// Choose calls f.
func (f ChooserFunc) Choose(n, k int) []int {
	return f(n, k)
}

// RandomChooser picks uniformly at random. It is safe for concurrent use.
type RandomChooser struct{}

// Choose returns min(k, n) distinct uniformly random indices.
func (RandomChooser) Choose(n, k int) []int {
	if k > n {
		k = n
	}
	return rand.Perm(n)[:k]
}

// SeededChooser picks pseudo-randomly from a fixed seed, so the same
// sequence of calls yields the same selections. It is not safe for
// concurrent use.
type SeededChooser struct {
	r *rand.Rand
}

// NewSeededChooser creates a SeededChooser.
func NewSeededChooser(seed uint64) *SeededChooser {
	return &SeededChooser{r: rand.New(rand.NewPCG(seed, seed))}
}

// Choose returns min(k, n) distinct indices.
func (c *SeededChooser) Choose(n, k int) []int {
	if k > n {
		k = n
	}
	return c.r.Perm(n)[:k]
}
