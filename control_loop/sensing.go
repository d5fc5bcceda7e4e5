package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	control "usv-nav-core/control_loop/boat_control"
	"usv-nav-core/utils"
)

// SensingTask feeds one slot of the navigation state. Run blocks on I/O until ctx ends.
type SensingTask interface {
	Name() string
	Run(ctx context.Context) error
	Close() error
}

const (
	udpReadBuffer    = 2048
	readErrorBackoff = 100 * time.Millisecond
)

// udpSource binds at construction so a busy port is a startup error, not a runtime one.
type udpSource struct {
	name   string
	conn   *net.UDPConn
	read   func(b []byte) (int, *net.UDPAddr, error)
	log    *utils.Logger
	handle func(payload []byte, at time.Time) error
}

func listenUDP(name, listen string, log *utils.Logger, handle func([]byte, time.Time) error) (*udpSource, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("%s: resolve %s: %w", name, listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s: listen %s: %w", name, listen, err)
	}
	return &udpSource{name: name, conn: conn, read: conn.ReadFromUDP, log: log, handle: handle}, nil
}

func (s *udpSource) Name() string { return s.name }

func (s *udpSource) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	s.log.Info("Listening on %s", s.conn.LocalAddr())
	defer s.log.Debug("Reader stopped")

	buf := make([]byte, udpReadBuffer)
	var bad uint64
	for {
		n, from, err := s.read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("Read error: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		if err := s.handle(buf[:n], time.Now()); err != nil {
			bad++
			// Drop malformed datagrams; log the first and then every 100th.
			if bad == 1 || bad%100 == 0 {
				s.log.Warn("Dropped datagram from %s (%d so far): %v", from, bad, err)
			}
			continue
		}
		s.log.Trace("RX %d bytes from %s", n, from)
	}
}

func (s *udpSource) Close() error { return s.conn.Close() }

// NewUDPPoseSource listens for "lat,lon,heading_deg[,satellites]" datagrams.
func NewUDPPoseSource(listen string, state *control.NavigationState, log *utils.Logger) (SensingTask, error) {
	src, err := listenUDP("pose", listen, log, func(b []byte, at time.Time) error {
		pose, err := ParsePoseDatagram(b, at)
		if err != nil {
			return err
		}
		return state.UpdatePose(pose)
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// NewUDPObstacleSource listens for "bearing:distance;bearing:distance" datagrams
// and owns the named obstacle slot.
func NewUDPObstacleSource(name, listen string, state *control.NavigationState, log *utils.Logger) (SensingTask, error) {
	state.RegisterObstacleSource(name)
	src, err := listenUDP(name, listen, log, func(b []byte, at time.Time) error {
		obs, err := ParseObstacleDatagram(b)
		if err != nil {
			return err
		}
		state.UpdateObstacles(name, obs, at)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// ParsePoseDatagram parses a pose CSV payload.
func ParsePoseDatagram(b []byte, at time.Time) (control.Pose, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return control.Pose{}, errors.New("empty payload")
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return control.Pose{}, fmt.Errorf("expected 3 or 4 fields, got %d", len(parts))
	}

	var vals [3]float64
	for i := range vals {
		v, err := parseF64(parts[i])
		if err != nil {
			return control.Pose{}, fmt.Errorf("field %d: %w", i, err)
		}
		vals[i] = v
	}

	pose := control.Pose{
		Position:   control.GeoPosition{Latitude: vals[0], Longitude: vals[1]},
		HeadingDeg: vals[2],
		UpdatedAt:  at,
	}
	if err := pose.Position.Validate(); err != nil {
		return control.Pose{}, err
	}
	if pose.HeadingDeg < 0 || pose.HeadingDeg > 360 {
		return control.Pose{}, fmt.Errorf("heading %.2f outside 0..360", pose.HeadingDeg)
	}
	if len(parts) == 4 {
		sats, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil || sats < 0 {
			return control.Pose{}, fmt.Errorf("satellites %q: not a count", parts[3])
		}
		pose.Satellites = sats
	}
	return pose, nil
}

// ParseObstacleDatagram parses "bearing:distance" pairs separated by ';'.
// An empty payload means the source sees nothing.
func ParseObstacleDatagram(b []byte) ([]control.Obstacle, error) {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return nil, nil
	}

	var out []control.Obstacle
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		bearingStr, distStr, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("obstacle %q: want bearing:distance", item)
		}
		bearing, err := parseF64(bearingStr)
		if err != nil {
			return nil, fmt.Errorf("obstacle %q bearing: %w", item, err)
		}
		dist, err := parseF64(distStr)
		if err != nil {
			return nil, fmt.Errorf("obstacle %q distance: %w", item, err)
		}
		if dist < 0 {
			return nil, fmt.Errorf("obstacle %q: negative distance", item)
		}
		out = append(out, control.Obstacle{BearingDeg: control.NormalizeDegrees(bearing), DistanceM: dist})
	}
	return out, nil
}

// parseF64 parses a float from a CSV field.
func parseF64(value string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not finite", value)
	}
	return v, nil
}
