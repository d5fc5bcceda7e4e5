package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"usv-nav-core/utils"
)

func main() {
	var (
		missionPath = flag.String("mission", "control_loop/missions/daytona_buoy.json", "Mission JSON file")
		port        = flag.String("port", "", "Motor controller serial port (skips discovery)")
		telemetry   = flag.String("telemetry", "", "Telemetry listen address, e.g. :8080 (overrides mission)")
		record      = flag.String("record", "", "sqlite file to record ticks into (overrides mission)")
		logLevel    = flag.String("log", "info", "trace|debug|info|warn|error|critical")
		logPath     = flag.String("logfile", "usv_nav.log", "Log file path")
	)
	flag.Parse()

	log, err := utils.NewFileLogger(*logPath, utils.ParseLevel(*logLevel), true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + *logPath + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	cfg := RunnerConfig{
		MissionPath:   *missionPath,
		Port:          *port,
		TelemetryAddr: *telemetry,
		RecordPath:    *record,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		if errors.Is(err, utils.ErrMotorPortNotFound) {
			log.Critical("Configuration error, control loop not started: %v", err)
		} else {
			log.Critical("Startup failed: %v", err)
		}
		log.Close()
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		runner.Close()
		log.Close()
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
