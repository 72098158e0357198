// Package tracking records training runs, metrics, parameters, artifacts
// and registered model versions in an MLflow-compatible store.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoActiveRun is returned when an operation needs an open run.
	ErrNoActiveRun = errors.New("no active tracking run")
	// ErrUnsupportedURI is returned by Open for unknown tracking URIs.
	ErrUnsupportedURI = errors.New("unsupported tracking URI")
)

// DefaultExperimentID is the id MLflow assigns to its "Default" experiment.
const DefaultExperimentID = "0"

// RunStatus is the lifecycle state of a run.
type RunStatus int

const (
	StatusRunning RunStatus = iota
	StatusFinished
	StatusFailed
	StatusKilled
)

func (s RunStatus) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	case StatusFailed:
		return "FAILED"
	case StatusKilled:
		return "KILLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ParseRunStatus is the inverse of RunStatus.String.
func ParseRunStatus(s string) (RunStatus, error) {
	switch strings.ToUpper(s) {
	case "RUNNING":
		return StatusRunning, nil
	case "FINISHED":
		return StatusFinished, nil
	case "FAILED":
		return StatusFailed, nil
	case "KILLED":
		return StatusKilled, nil
	}
	return 0, fmt.Errorf("unknown run status %q", s)
}

// Metric is a single scalar observation. Timestamp is in milliseconds.
type Metric struct {
	Key       string
	Value     float64
	Step      int64
	Timestamp int64
}

// ModelVersion is a registered model version.
type ModelVersion struct {
	Name    string
	Version string
	Source  string
	RunID   string
	Status  string
}

// Tracker is a tracking store backend.
type Tracker interface {
	// GetOrCreateExperiment returns the id of the named experiment,
	// creating it when missing. An empty name selects the default
	// experiment.
	GetOrCreateExperiment(ctx context.Context, name string) (string, error)
	CreateRun(ctx context.Context, experimentID, runName string, tags map[string]string) (*Run, error)
	UpdateRun(ctx context.Context, runID string, status RunStatus, endTime time.Time) error
	LogMetrics(ctx context.Context, runID string, metrics []Metric) error
	LogParams(ctx context.Context, runID string, params map[string]string) error
	SetTags(ctx context.Context, runID string, tags map[string]string) error
	// LogArtifact stores data under artifactPath relative to the run's
	// artifact root.
	LogArtifact(ctx context.Context, run *Run, artifactPath string, data []byte) error
	// RegisterModel creates the registered model if needed and adds a
	// version pointing at source.
	RegisterModel(ctx context.Context, name, source, runID string) (*ModelVersion, error)
	Close() error
}

// Run is an open handle on one tracking run. End must be called exactly
// once the work it records is over; later calls are no-ops.
type Run struct {
	ID           string
	ExperimentID string
	Name         string
	ArtifactURI  string
	StartTime    time.Time

	tracker Tracker
	mu      sync.Mutex
	status  RunStatus
}

// NewRun binds run metadata to the tracker that created it.
func NewRun(tracker Tracker, id, experimentID, name, artifactURI string, start time.Time) *Run {
	return &Run{
		ID:           id,
		ExperimentID: experimentID,
		Name:         name,
		ArtifactURI:  artifactURI,
		StartTime:    start,
		tracker:      tracker,
		status:       StatusRunning,
	}
}

// Status returns the run's current status.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) check() error {
	if r == nil || r.ID == "" || r.tracker == nil {
		return ErrNoActiveRun
	}
	return nil
}

// End marks the run terminal with the given status.
func (r *Run) End(ctx context.Context, status RunStatus) error {
	if err := r.check(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		return nil
	}
	r.status = status
	r.mu.Unlock()

	if err := r.tracker.UpdateRun(ctx, r.ID, status, time.Now()); err != nil {
		return fmt.Errorf("failed to end run %s: %w", r.ID, err)
	}
	return nil
}

// ModelURI is the runs:/ URI of an artifact directory of this run.
func (r *Run) ModelURI(artifactPath string) string {
	return "runs:/" + r.ID + "/" + strings.TrimPrefix(artifactPath, "/")
}

// LogMetric logs a single metric at step.
func (r *Run) LogMetric(ctx context.Context, key string, value float64, step int64) error {
	return r.LogMetrics(ctx, map[string]float64{key: value}, step)
}

// LogMetrics logs all values at the same step and timestamp.
func (r *Run) LogMetrics(ctx context.Context, values map[string]float64, step int64) error {
	if err := r.check(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	metrics := make([]Metric, 0, len(values))
	for _, k := range sortedKeys(values) {
		metrics = append(metrics, Metric{Key: k, Value: values[k], Step: step, Timestamp: now})
	}
	return r.tracker.LogMetrics(ctx, r.ID, metrics)
}

// LogParams logs hyper-parameters.
func (r *Run) LogParams(ctx context.Context, params map[string]string) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.tracker.LogParams(ctx, r.ID, params)
}

// SetTags sets run tags.
func (r *Run) SetTags(ctx context.Context, tags map[string]string) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.tracker.SetTags(ctx, r.ID, tags)
}

// LogArtifact stores data at artifactPath.
func (r *Run) LogArtifact(ctx context.Context, artifactPath string, data []byte) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.tracker.LogArtifact(ctx, r, artifactPath, data)
}

// RegisterModel registers the artifact directory artifactPath of this run
// as a new version of the named model.
func (r *Run) RegisterModel(ctx context.Context, name, artifactPath string) (*ModelVersion, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.tracker.RegisterModel(ctx, name, r.ModelURI(artifactPath), r.ID)
}

// StartRun resolves the experiment and opens a named run tagged with host
// information.
func StartRun(ctx context.Context, tracker Tracker, experiment, runName string, tags map[string]string) (*Run, error) {
	expID, err := tracker.GetOrCreateExperiment(ctx, experiment)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve experiment %q: %w", experiment, err)
	}
	all := HostTags()
	for k, v := range tags {
		all[k] = v
	}
	run, err := tracker.CreateRun(ctx, expID, runName, all)
	if err != nil {
		return nil, fmt.Errorf("failed to create run %q: %w", runName, err)
	}
	return run, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
