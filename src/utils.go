package paint

import (
	"math/rand"
)

// shuffleInts shuffles s in place (Fisher-Yates)
func shuffleInts(s []int, rng *rand.Rand) {
	for i := len(s) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// sampleDistinct draws k distinct integers from [0, n) in random order.
func sampleDistinct(n, k int, rng *rand.Rand) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	// partial Fisher-Yates: the first k slots end up uniformly chosen
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

// min returns the minimum of two ints
func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// max returns the maximum of two ints
func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
