package main

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	control "usv-nav-core/control_loop/boat_control"
	"usv-nav-core/utils"
)

type RunnerConfig struct {
	MissionPath   string
	Port          string // overrides motor.port
	TelemetryAddr string // overrides telemetry.listen
	RecordPath    string // overrides record.path
}

// statusEvery is how often (in ticks) a progress line is logged at INFO.
const statusEvery = 40

type Runner struct {
	cfg     RunnerConfig
	log     *utils.Logger
	mission Mission
	runID   string

	state   *control.NavigationState
	link    *utils.MotorLink
	loop    *control.ControlLoop
	sensors []SensingTask

	hub   *TelemetryHub
	hubLn net.Listener
	rec   *Recorder
	canTx *CANTelemetry
}

func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger) (_ *Runner, err error) {
	mission, err := LoadMission(cfg.MissionPath)
	if err != nil {
		return nil, fmt.Errorf("load mission: %w", err)
	}
	if cfg.Port != "" {
		mission.Motor.Port = cfg.Port
	}
	if cfg.TelemetryAddr != "" {
		mission.Telemetry.Listen = cfg.TelemetryAddr
	}
	if cfg.RecordPath != "" {
		mission.Record.Path = cfg.RecordPath
	}

	r := &Runner{
		cfg:     cfg,
		log:     log,
		mission: mission,
		runID:   uuid.NewString(),
		state:   control.NewNavigationState(),
	}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if err := r.openSensors(ctx); err != nil {
		return nil, err
	}

	// No motor controller means no mission.
	r.link, err = utils.OpenMotorLink(mission.Motor.MotorLinkConfig(), log.Named("motor"))
	if err != nil {
		return nil, fmt.Errorf("motor link: %w", err)
	}

	planner := control.NewDifferentialPlanner(mission.Planner)
	r.loop, err = control.NewControlLoop(mission.Loop, r.state, r.link, planner, log.Named("control"))
	if err != nil {
		return nil, err
	}
	r.loop.OnTick(r.logStatus)

	if mission.Telemetry.Listen != "" {
		r.hubLn, err = net.Listen("tcp", mission.Telemetry.Listen)
		if err != nil {
			return nil, fmt.Errorf("telemetry listen %s: %w", mission.Telemetry.Listen, err)
		}
		r.hub = NewTelemetryHub(r.runID, mission.Meta.Name, log.Named("telemetry"))
		r.loop.OnTick(r.hub.Publish)
	}

	if mission.Record.Path != "" {
		r.rec, err = OpenRecorder(mission.Record.Path, r.runID, mission, log.Named("recorder"))
		if err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
		r.loop.OnTick(r.rec.Observe)
	}

	if iface := mission.CANTelemetry.Iface; iface != "" {
		frames, err := utils.LoadFrameMap(mission.CANTelemetry.CANMap)
		if err != nil {
			return nil, fmt.Errorf("load can map: %w", err)
		}
		writer, err := utils.NewSocketCANWriter(ctx, iface)
		if err != nil {
			return nil, err
		}
		r.canTx, err = NewCANTelemetry(writer, frames, log.Named("can_tx"))
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		r.loop.OnTick(r.canTx.Observe)
	}

	log.Info("Mission %q (run %s): waypoint=%s pose=%s obstacle_sources=%d",
		mission.Meta.Name, r.runID, mission.Loop.Waypoint, mission.Pose.Kind, len(mission.Obstacles))
	return r, nil
}

func (r *Runner) openSensors(ctx context.Context) error {
	switch r.mission.Pose.Kind {
	case "udp":
		src, err := NewUDPPoseSource(r.mission.Pose.Listen, r.state, r.log.Named("pose"))
		if err != nil {
			return err
		}
		r.sensors = append(r.sensors, src)
	case "can":
		frames, err := utils.LoadFrameMap(r.mission.Pose.CANMap)
		if err != nil {
			return fmt.Errorf("load can map: %w", err)
		}
		reader, err := utils.NewSocketCANReader(ctx, r.mission.Pose.CANIface)
		if err != nil {
			return err
		}
		r.sensors = append(r.sensors, NewCANPoseSource(reader, frames, r.state, r.log.Named("pose")))
	}

	for _, o := range r.mission.Obstacles {
		src, err := NewUDPObstacleSource(o.Name, o.Listen, r.state, r.log.Named(o.Name))
		if err != nil {
			return err
		}
		r.sensors = append(r.sensors, src)
	}
	return nil
}

// Close releases everything NewRunner opened. The motor link stops the
// thrusters unless the control loop already did.
func (r *Runner) Close() {
	for _, s := range r.sensors {
		_ = s.Close()
	}
	if r.link != nil {
		if err := r.link.Close(); err != nil {
			r.log.Error("Motor link close: %v", err)
		}
	}
	if r.hubLn != nil {
		_ = r.hubLn.Close()
	}
	if r.rec != nil {
		_ = r.rec.Close()
	}
	if r.canTx != nil {
		_ = r.canTx.Close()
	}
}

// Run starts every task and blocks until ctx ends or one of them fails.
// Observers keep running until the control loop's final neutral report is delivered.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	obsCtx, stopObservers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopObservers()

	for _, s := range r.sensors {
		s := s
		g.Go(func() error {
			if err := s.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	if r.hub != nil {
		g.Go(func() error { return r.hub.Serve(gctx, r.hubLn) })
	}
	if r.rec != nil {
		g.Go(func() error { return r.rec.Run(obsCtx) })
	}
	if r.canTx != nil {
		g.Go(func() error { return r.canTx.Run(obsCtx) })
	}
	g.Go(func() error {
		defer stopObservers()
		return r.loop.Run(gctx)
	})

	return g.Wait()
}

func (r *Runner) logStatus(rep control.TickReport) {
	if rep.Seq%statusEvery != 0 {
		return
	}
	if rep.Fix != nil {
		r.log.Info("tick=%d mode=%s dist=%dm bearing=%d° cmd=%s sats=%d",
			rep.Seq, rep.Mode, rep.Fix.DistanceM, rep.Fix.RelativeBearingDeg, rep.Command, rep.Pose.Satellites)
		return
	}
	r.log.Info("tick=%d mode=%s cmd=%s stale=%v", rep.Seq, rep.Mode, rep.Command, rep.StaleSources)
}
