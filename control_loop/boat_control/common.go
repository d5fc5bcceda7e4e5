package control

// ClampFloat clamps value between min and max
func ClampFloat(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// BoolToInt converts bool to int (for the sqlite recorder)
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// TickMode is what the control task decided on a tick.
type TickMode int

const (
	ModeStale TickMode = iota
	ModeSteer
	ModeAvoid
	ModeHold
	ModeShutdown
)

func (m TickMode) String() string {
	switch m {
	case ModeStale:
		return "STALE"
	case ModeSteer:
		return "STEER"
	case ModeAvoid:
		return "AVOID"
	case ModeHold:
		return "HOLD"
	case ModeShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

func (m TickMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }
