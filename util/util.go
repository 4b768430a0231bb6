package util

// ClampU32 limits v to [lo, hi].
func ClampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampU8 limits v to [lo, hi].
func ClampU8(v, lo, hi uint8) uint8 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AlignDown rounds v down to a multiple of align. align must be a power of 2.
func AlignDown(v, align uint32) uint32 {
	return v &^ (align - 1)
}
