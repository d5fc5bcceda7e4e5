package utils

import "sort"

// Frame names carried on the boat's CAN bus.
const (
	FrameNavPose     = "NAV_POSE"
	FrameNavAttitude = "NAV_ATTITUDE"
	FrameThrustCmd   = "THRUST_CMD"
)

type SignalDef struct {
	Name      string
	StartBit  int
	BitLength int
	Signed    bool
	Factor    float64
	Offset    float64
	Min       float64
	Max       float64
	Default   float64
	Unit      string
}

type FrameDef struct {
	ID        uint32
	Name      string
	DLC       int
	Direction string // "rx" frames are decoded by the boat, "tx" frames are published by it
	CycleMS   int
	Signals   []SignalDef
}

// FrameMap indexes the bus frame definitions by id and by name.
type FrameMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

func (m *FrameMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
