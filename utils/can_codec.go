package utils

import (
	"fmt"
	"math"

	"go.einride.tech/can"
)

// EncodeFrame packs physical signal values into a frame ready to transmit.
// Missing signals take their default; values are clamped to [min, max].
func (m *FrameMap) EncodeFrame(frameName string, values map[string]float64) (can.Frame, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return can.Frame{}, err
	}

	var payload uint64
	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok {
			v = s.Default
		}
		v = clampFloat(v, s.Min, s.Max)

		raw := int64(math.Round((v - s.Offset) / s.Factor))
		raw = clampRaw(raw, s.BitLength, s.Signed)
		payload = insertBits(payload, s.StartBit, s.BitLength, rawBits(raw, s.BitLength))
	}

	f := can.Frame{
		ID:     fd.ID,
		Length: uint8(fd.DLC),
	}
	for i := 0; i < fd.DLC; i++ {
		f.Data[i] = byte(payload >> (8 * i))
	}
	return f, nil
}

// DecodeFrame unpacks a received frame into physical signal values keyed by signal name.
func (m *FrameMap) DecodeFrame(f can.Frame) (*FrameDef, map[string]float64, error) {
	fd, err := m.FrameByID(f.ID)
	if err != nil {
		return nil, nil, err
	}
	if int(f.Length) < fd.DLC {
		return nil, nil, fmt.Errorf("frame %s (0x%X) expects DLC %d, got %d", fd.Name, f.ID, fd.DLC, f.Length)
	}

	var payload uint64
	for i := 0; i < fd.DLC; i++ {
		payload |= uint64(f.Data[i]) << (8 * i)
	}

	out := make(map[string]float64, len(fd.Signals))
	for _, s := range fd.Signals {
		raw := signExtend(extractBits(payload, s.StartBit, s.BitLength), s.BitLength, s.Signed)
		out[s.Name] = float64(raw)*s.Factor + s.Offset
	}
	return fd, out, nil
}
