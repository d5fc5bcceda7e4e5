package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	control "usv-nav-core/control_loop/boat_control"
	"usv-nav-core/utils"
)

const recorderSchema = `
CREATE TABLE IF NOT EXISTS missions (
	run_id       TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	waypoint_lat REAL NOT NULL,
	waypoint_lon REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS ticks (
	run_id        TEXT NOT NULL REFERENCES missions(run_id),
	seq           INTEGER NOT NULL,
	at            TEXT NOT NULL,
	mode          TEXT NOT NULL,
	lat           REAL,
	lon           REAL,
	heading_deg   REAL,
	distance_m    INTEGER,
	bearing_deg   INTEGER,
	desired_right INTEGER NOT NULL,
	desired_left  INTEGER NOT NULL,
	power_right   INTEGER NOT NULL,
	power_left    INTEGER NOT NULL,
	sent          INTEGER NOT NULL,
	avoiding      INTEGER NOT NULL,
	error         TEXT,
	PRIMARY KEY (run_id, seq)
);`

// Recorder appends every tick report to a sqlite database. Observe only enqueues;
// inserts happen on the recorder's own goroutine.
type Recorder struct {
	db      *sql.DB
	runID   string
	log     *utils.Logger
	queue   chan control.TickReport
	dropped atomic.Uint64
	written atomic.Uint64
}

// OpenRecorder opens (or creates) the database at path and registers the run.
func OpenRecorder(path, runID string, mission Mission, log *utils.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if _, err := db.Exec(recorderSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO missions (run_id, name, started_at, waypoint_lat, waypoint_lon) VALUES (?, ?, ?, ?, ?)`,
		runID, mission.Meta.Name, time.Now().UTC().Format(time.RFC3339Nano),
		mission.Loop.Waypoint.Latitude, mission.Loop.Waypoint.Longitude); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register run %s: %w", runID, err)
	}

	log.Info("Recording ticks to %s (run %s)", path, runID)
	return &Recorder{
		db:    db,
		runID: runID,
		log:   log,
		queue: make(chan control.TickReport, 256),
	}, nil
}

func (r *Recorder) Observe(rep control.TickReport) {
	select {
	case r.queue <- rep:
	default:
		r.dropped.Add(1)
	}
}

// Run writes queued reports until ctx ends, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	defer func() {
		r.log.Info("Recorder stopped. ticks_written=%d dropped=%d", r.written.Load(), r.dropped.Load())
	}()
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case rep := <-r.queue:
			r.write(rep)
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case rep := <-r.queue:
			r.write(rep)
		default:
			return
		}
	}
}

func (r *Recorder) write(rep control.TickReport) {
	var lat, lon, heading, dist, bearing any
	if !rep.Pose.UpdatedAt.IsZero() {
		lat, lon, heading = rep.Pose.Position.Latitude, rep.Pose.Position.Longitude, rep.Pose.HeadingDeg
	}
	if rep.Fix != nil {
		dist, bearing = rep.Fix.DistanceM, rep.Fix.RelativeBearingDeg
	}
	var errText any
	if rep.Err != "" {
		errText = rep.Err
	}

	_, err := r.db.Exec(`INSERT INTO ticks (run_id, seq, at, mode, lat, lon, heading_deg, distance_m, bearing_deg,
		desired_right, desired_left, power_right, power_left, sent, avoiding, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, rep.Seq, rep.At.UTC().Format(time.RFC3339Nano), rep.Mode.String(),
		lat, lon, heading, dist, bearing,
		rep.Desired.Right, rep.Desired.Left, rep.Command.Right, rep.Command.Left,
		control.BoolToInt(rep.Sent), control.BoolToInt(rep.Mode == control.ModeAvoid), errText)
	if err != nil {
		r.log.Error("Insert tick %d: %v", rep.Seq, err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) Close() error { return r.db.Close() }
