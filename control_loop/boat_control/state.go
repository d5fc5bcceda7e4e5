package control

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Pose is the latest fix from the pose source. HeadingDeg is the raw compass
// heading (0..360) before the north-yaw correction.
type Pose struct {
	Position   GeoPosition `json:"position"`
	HeadingDeg float64     `json:"heading_deg"`
	Satellites int         `json:"satellites"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Obstacle is one detection relative to the bow: positive bearing is starboard.
type Obstacle struct {
	BearingDeg float64 `json:"bearing_deg"`
	DistanceM  float64 `json:"distance_m"`
	Source     string  `json:"source"`
}

// ObstacleSummary is the latest report from one obstacle source.
type ObstacleSummary struct {
	Obstacles []Obstacle `json:"obstacles"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Snapshot is a private copy of the navigation state. Nothing in it aliases
// the live state.
type Snapshot struct {
	Seq           uint64                     `json:"seq"`
	Pose          Pose                       `json:"pose"`
	HasPose       bool                       `json:"has_pose"`
	Obstacles     map[string]ObstacleSummary `json:"obstacles"`
	Waypoint      GeoPosition                `json:"waypoint"`
	HasWaypoint   bool                       `json:"has_waypoint"`
	LastCommand   PowerCommand               `json:"last_command"`
	LastCommandAt time.Time                  `json:"last_command_at"`
}

// AllObstacles flattens every source's obstacles, ordered by distance.
func (s Snapshot) AllObstacles() []Obstacle {
	var out []Obstacle
	for _, sum := range s.Obstacles {
		out = append(out, sum.Obstacles...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out
}

// StaleSources lists the pose source (as "pose") and every obstacle source whose
// last report is older than maxAge, or that never reported.
func (s Snapshot) StaleSources(now time.Time, maxAge time.Duration) []string {
	var sources []string
	for name, sum := range s.Obstacles {
		if sum.UpdatedAt.IsZero() || now.Sub(sum.UpdatedAt) > maxAge {
			sources = append(sources, name)
		}
	}
	sort.Strings(sources)

	if !s.HasPose || now.Sub(s.Pose.UpdatedAt) > maxAge {
		return append([]string{"pose"}, sources...)
	}
	return sources
}

// NavigationState is the record shared by the sensing tasks and the control task.
// Each field group has one writer: the pose task, one obstacle task per source,
// the control task for the last command.
type NavigationState struct {
	mu sync.RWMutex

	seq           uint64
	pose          Pose
	hasPose       bool
	obstacles     map[string]ObstacleSummary
	waypoint      GeoPosition
	hasWaypoint   bool
	lastCommand   PowerCommand
	lastCommandAt time.Time
}

func NewNavigationState() *NavigationState {
	return &NavigationState{obstacles: make(map[string]ObstacleSummary)}
}

// RegisterObstacleSource declares a source the control task expects reports from.
// Until it reports, the source counts as stale.
func (s *NavigationState) RegisterObstacleSource(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.obstacles[name]; !ok {
		s.obstacles[name] = ObstacleSummary{}
		s.seq++
	}
}

// SetWaypoint sets the mission target.
func (s *NavigationState) SetWaypoint(wp GeoPosition) error {
	if err := wp.Validate(); err != nil {
		return fmt.Errorf("waypoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waypoint = wp
	s.hasWaypoint = true
	s.seq++
	return nil
}

// UpdatePose replaces the pose. Invalid positions are rejected and the previous pose kept.
func (s *NavigationState) UpdatePose(p Pose) error {
	if err := p.Position.Validate(); err != nil {
		return fmt.Errorf("pose: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = p
	s.hasPose = true
	s.seq++
	return nil
}

// UpdateObstacles replaces one source's obstacle list. The slice is copied.
func (s *NavigationState) UpdateObstacles(source string, obs []Obstacle, at time.Time) {
	cp := make([]Obstacle, len(obs))
	for i, o := range obs {
		o.Source = source
		cp[i] = o
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obstacles[source] = ObstacleSummary{Obstacles: cp, UpdatedAt: at}
	s.seq++
}

// SetLastCommand records the command the motor link accepted.
func (s *NavigationState) SetLastCommand(cmd PowerCommand, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCommand = cmd
	s.lastCommandAt = at
	s.seq++
}

func (s *NavigationState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obs := make(map[string]ObstacleSummary, len(s.obstacles))
	for name, sum := range s.obstacles {
		var list []Obstacle
		if sum.Obstacles != nil {
			list = make([]Obstacle, len(sum.Obstacles))
			copy(list, sum.Obstacles)
		}
		obs[name] = ObstacleSummary{Obstacles: list, UpdatedAt: sum.UpdatedAt}
	}

	return Snapshot{
		Seq:           s.seq,
		Pose:          s.pose,
		HasPose:       s.hasPose,
		Obstacles:     obs,
		Waypoint:      s.waypoint,
		HasWaypoint:   s.hasWaypoint,
		LastCommand:   s.lastCommand,
		LastCommandAt: s.lastCommandAt,
	}
}
