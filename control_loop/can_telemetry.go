package main

import (
	"context"
	"sync/atomic"

	"go.einride.tech/can"

	control "usv-nav-core/control_loop/boat_control"
	"usv-nav-core/utils"
)

// CANTelemetry mirrors every accepted thruster command onto the CAN bus as THRUST_CMD.
// Observe never blocks the control task; frames are dropped when the writer lags.
type CANTelemetry struct {
	writer  utils.CANWriter
	frames  *utils.FrameMap
	log     *utils.Logger
	queue   chan can.Frame
	dropped atomic.Uint64
	sent    atomic.Uint64
}

func NewCANTelemetry(writer utils.CANWriter, frames *utils.FrameMap, log *utils.Logger) (*CANTelemetry, error) {
	if _, err := frames.FrameByName(utils.FrameThrustCmd); err != nil {
		return nil, err
	}
	return &CANTelemetry{
		writer: writer,
		frames: frames,
		log:    log,
		queue:  make(chan can.Frame, 16),
	}, nil
}

// ThrustFrame encodes a tick report into a THRUST_CMD frame.
func ThrustFrame(frames *utils.FrameMap, rep control.TickReport) (can.Frame, error) {
	values := map[string]float64{
		"power_right": float64(rep.Command.Right),
		"power_left":  float64(rep.Command.Left),
	}
	if rep.Fix != nil {
		values["bearing_deg"] = float64(rep.Fix.RelativeBearingDeg)
		values["distance_m"] = float64(rep.Fix.DistanceM)
	}
	return frames.EncodeFrame(utils.FrameThrustCmd, values)
}

func (t *CANTelemetry) Observe(rep control.TickReport) {
	if !rep.Sent {
		return
	}
	frame, err := ThrustFrame(t.frames, rep)
	if err != nil {
		t.log.Error("Encode THRUST_CMD failed: %v", err)
		return
	}
	select {
	case t.queue <- frame:
	default:
		t.dropped.Add(1)
	}
}

func (t *CANTelemetry) Run(ctx context.Context) error {
	t.log.Debug("TX loop started")
	defer func() {
		t.log.Info("TX loop stopped. frames_sent=%d dropped=%d", t.sent.Load(), t.dropped.Load())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-t.queue:
			if err := t.writer.WriteFrame(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				t.log.Error("Transmit failed: %v", err)
				continue
			}
			t.sent.Add(1)
			t.log.Trace("TX id=0x%X len=%d data=% X", frame.ID, frame.Length, frame.Data[:frame.Length])
		}
	}
}

func (t *CANTelemetry) Close() error { return t.writer.Close() }
