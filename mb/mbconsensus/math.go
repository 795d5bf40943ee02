package mbconsensus

// ByzantineMajority returns the minimum value exceeding 2/3 of n.
// Compare with >=.
// For example, 2/3 of 12 is 8, so ByzantineMajority(12) = 9,
// and ByzantineMajority(512) = 342.
//
// ByzantineMajority(0) panics.
func ByzantineMajority(n uint32) uint32 {
	if n == 0 {
		panic("BUG: ByzantineMajority: n must be positive")
	}

	quo, rem := n/3, n%3
	if rem < 2 {
		return 2*quo + 1
	}
	return 2*quo + 2
}
