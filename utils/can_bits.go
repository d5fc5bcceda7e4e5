package utils

// Little-endian (Intel) signal packing over a 64-bit payload.

func bitMask(bitLen int) uint64 {
	if bitLen >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitLen) - 1
}

func extractBits(payload uint64, startBit, bitLen int) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return 0
	}
	return (payload >> startBit) & bitMask(bitLen)
}

func insertBits(payload uint64, startBit, bitLen int, value uint64) uint64 {
	if bitLen <= 0 || bitLen > 64 {
		return payload
	}
	mask := bitMask(bitLen)
	payload &^= mask << startBit
	payload |= (value & mask) << startBit
	return payload
}

// signExtend interprets the low bitLen bits of u as two's complement when signed is set.
func signExtend(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	if u&(uint64(1)<<(bitLen-1)) == 0 {
		return int64(u)
	}
	return int64(u | ^bitMask(bitLen))
}

func rawBits(raw int64, bitLen int) uint64 {
	return uint64(raw) & bitMask(bitLen)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampRaw bounds raw to what bitLen bits can carry.
func clampRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen <= 0 || bitLen > 63 {
		return raw
	}
	var lo, hi int64
	if signed {
		lo = -int64(1) << (bitLen - 1)
		hi = int64(1)<<(bitLen-1) - 1
	} else {
		hi = int64(1)<<bitLen - 1
	}
	if raw < lo {
		return lo
	}
	if raw > hi {
		return hi
	}
	return raw
}
