package fap

// The supported-levels bitmap is a big-endian 256-bit value: level 1 is bit 0
// of the last byte, level 256 is bit 7 of the first byte.

// LevelsBitmap renders the supplied levels as a supported-levels bitmap.
// Levels outside 1..LevelMax are ignored.
func LevelsBitmap(levels ...uint16) []byte {
	bitmap := make([]byte, SupportedLevelsLen)
	for _, level := range levels {
		SetLevel(bitmap, level)
	}
	return bitmap
}

// LevelRange returns the bitmap of every level in lo..hi inclusive.
func LevelRange(lo, hi uint16) []byte {
	bitmap := make([]byte, SupportedLevelsLen)
	if lo < LevelMin {
		lo = LevelMin
	}
	for level := lo; level <= hi && level <= LevelMax; level++ {
		SetLevel(bitmap, level)
		if level == LevelMax {
			break
		}
	}
	return bitmap
}

// SetLevel marks level as supported in bitmap.
func SetLevel(bitmap []byte, level uint16) {
	idx, mask, ok := levelBit(bitmap, level)
	if !ok {
		return
	}
	bitmap[idx] |= mask
}

// HasLevel reports whether bitmap marks level as supported.
func HasLevel(bitmap []byte, level uint16) bool {
	idx, mask, ok := levelBit(bitmap, level)
	if !ok {
		return false
	}
	return bitmap[idx]&mask != 0
}

func levelBit(bitmap []byte, level uint16) (int, byte, bool) {
	if len(bitmap) != SupportedLevelsLen || level < LevelMin || level > LevelMax {
		return 0, 0, false
	}
	bit := int(level - 1)
	return SupportedLevelsLen - 1 - bit/8, byte(1) << (bit % 8), true
}
