package utils

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

//go:embed boat_can_map.csv
var defaultFrameMap []byte

// LoadFrameMap reads a frame map CSV. An empty path selects the built-in boat map.
func LoadFrameMap(csvPath string) (*FrameMap, error) {
	if csvPath == "" {
		return ParseFrameMap(bytes.NewReader(defaultFrameMap))
	}
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseFrameMap(f)
}

func ParseFrameMap(src io.Reader) (*FrameMap, error) {
	r := csv.NewReader(src)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("frame map header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}

	req := []string{
		"direction", "frame_id", "frame_name", "cycle_ms", "dlc",
		"signal_name", "start_bit", "bit_length", "signed",
		"factor", "offset", "min", "max", "default", "unit",
	}
	for _, k := range req {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("frame map missing required column: %q", k)
		}
	}

	m := &FrameMap{
		ByID:   map[uint32]*FrameDef{},
		ByName: map[string]*FrameDef{},
	}

	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		field := func(name string) string { return strings.TrimSpace(rec[idx[name]]) }

		frameID, err := parseHexOrDecUint32(field("frame_id"))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid frame_id %q: %w", line, field("frame_id"), err)
		}

		var p fieldParser
		frameName := field("frame_name")
		cycleMS := p.asInt("cycle_ms", field("cycle_ms"))
		dlc := p.asInt("dlc", field("dlc"))
		sig := SignalDef{
			Name:      field("signal_name"),
			StartBit:  p.asInt("start_bit", field("start_bit")),
			BitLength: p.asInt("bit_length", field("bit_length")),
			Signed:    p.asBool("signed", field("signed")),
			Factor:    p.asFloat("factor", field("factor")),
			Offset:    p.asFloat("offset", field("offset")),
			Min:       p.asFloat("min", field("min")),
			Max:       p.asFloat("max", field("max")),
			Default:   p.asFloat("default", field("default")),
			Unit:      field("unit"),
		}
		if p.err != nil {
			return nil, fmt.Errorf("line %d (%s.%s): %w", line, frameName, sig.Name, p.err)
		}

		if sig.BitLength <= 0 || sig.BitLength > 64 {
			return nil, fmt.Errorf("frame %s signal %s: invalid bit_length %d", frameName, sig.Name, sig.BitLength)
		}
		if sig.Factor == 0 {
			return nil, fmt.Errorf("frame %s signal %s: factor must be non-zero", frameName, sig.Name)
		}
		if dlc <= 0 || dlc > 8 {
			return nil, fmt.Errorf("frame %s (0x%X): invalid dlc %d", frameName, frameID, dlc)
		}
		if sig.StartBit < 0 || sig.StartBit+sig.BitLength > dlc*8 {
			return nil, fmt.Errorf("frame %s signal %s: bits %d..%d exceed dlc %d",
				frameName, sig.Name, sig.StartBit, sig.StartBit+sig.BitLength-1, dlc)
		}

		fd, ok := m.ByID[frameID]
		if !ok {
			fd = &FrameDef{
				ID:        frameID,
				Name:      frameName,
				DLC:       dlc,
				Direction: field("direction"),
				CycleMS:   cycleMS,
			}
			m.ByID[frameID] = fd
			m.ByName[frameName] = fd
		}

		if fd.DLC != dlc {
			return nil, fmt.Errorf("frame %s (0x%X) has inconsistent DLC (%d vs %d)", frameName, frameID, fd.DLC, dlc)
		}

		fd.Signals = append(fd.Signals, sig)
	}

	for _, fd := range m.ByID {
		sort.Slice(fd.Signals, func(i, j int) bool { return fd.Signals[i].StartBit < fd.Signals[j].StartBit })
	}

	return m, nil
}

func (m *FrameMap) FrameByName(name string) (*FrameDef, error) {
	fd, ok := m.ByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown frame %q (available: %v)", name, m.FrameNames())
	}
	return fd, nil
}

func (m *FrameMap) FrameByID(id uint32) (*FrameDef, error) {
	fd, ok := m.ByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown frame id 0x%X", id)
	}
	return fd, nil
}

func parseHexOrDecUint32(s string) (uint32, error) {
	ss := strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(ss, "0x") || strings.HasPrefix(ss, "0X") {
		base = 16
		ss = ss[2:]
	}
	u, err := strconv.ParseUint(ss, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(u), nil
}

// fieldParser keeps the first conversion error so a row can be parsed in one pass.
type fieldParser struct {
	err error
}

func (p *fieldParser) asInt(name, s string) int {
	v, err := strconv.Atoi(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

func (p *fieldParser) asFloat(name, s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", name, err)
	}
	return v
}

func (p *fieldParser) asBool(name, s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no", "":
		return false
	}
	if p.err == nil {
		p.err = fmt.Errorf("%s: not a boolean: %q", name, s)
	}
	return false
}
