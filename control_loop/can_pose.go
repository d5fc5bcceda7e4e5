package main

import (
	"context"
	"errors"
	"io"
	"time"

	"go.einride.tech/can"

	control "usv-nav-core/control_loop/boat_control"
	"usv-nav-core/utils"
)

// CANPoseSource decodes NAV_POSE and NAV_ATTITUDE frames into the pose slot.
// A pose is published once both a position and a heading have been seen. Its
// timestamp is that of the older half, so a silent GPS makes the pose stale even
// while attitude keeps arriving.
type CANPoseSource struct {
	reader utils.CANReader
	frames *utils.FrameMap
	state  *control.NavigationState
	log    *utils.Logger

	pos        control.GeoPosition
	posAt      time.Time
	heading    float64
	satellites int
	headingAt  time.Time
}

func NewCANPoseSource(reader utils.CANReader, frames *utils.FrameMap, state *control.NavigationState, log *utils.Logger) *CANPoseSource {
	return &CANPoseSource{reader: reader, frames: frames, state: state, log: log}
}

func (s *CANPoseSource) Name() string { return "pose" }

func (s *CANPoseSource) Run(ctx context.Context) error {
	s.log.Debug("RX loop started")
	defer s.log.Debug("RX loop stopped")

	for {
		frame, err := s.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.log.Warn("CAN socket closed; pose will go stale")
				return nil
			}
			s.log.Error("RX error: %v", err)
			// Receiver errors repeat until the socket recovers; avoid spinning.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		s.handleFrame(frame, time.Now())
	}
}

func (s *CANPoseSource) handleFrame(frame can.Frame, at time.Time) {
	fd, values, err := s.frames.DecodeFrame(frame)
	if err != nil {
		// Other traffic on the bus.
		s.log.Trace("RX id=0x%X len=%d ignored", frame.ID, frame.Length)
		return
	}

	switch fd.Name {
	case utils.FrameNavPose:
		pos := control.GeoPosition{Latitude: values["latitude_deg"], Longitude: values["longitude_deg"]}
		if err := pos.Validate(); err != nil {
			s.log.Warn("NAV_POSE rejected: %v", err)
			return
		}
		s.pos, s.posAt = pos, at
	case utils.FrameNavAttitude:
		s.heading = values["heading_deg"]
		s.satellites = int(values["satellites"])
		s.headingAt = at
	default:
		return
	}

	if s.posAt.IsZero() || s.headingAt.IsZero() {
		return
	}
	updated := s.posAt
	if s.headingAt.Before(updated) {
		updated = s.headingAt
	}
	if err := s.state.UpdatePose(control.Pose{
		Position:   s.pos,
		HeadingDeg: s.heading,
		Satellites: s.satellites,
		UpdatedAt:  updated,
	}); err != nil {
		s.log.Warn("Pose rejected: %v", err)
	}
}

func (s *CANPoseSource) Close() error { return s.reader.Close() }
