package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS experiments (
	experiment_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	name              TEXT NOT NULL UNIQUE,
	artifact_location TEXT NOT NULL,
	creation_time     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	experiment_id INTEGER NOT NULL REFERENCES experiments(experiment_id),
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	start_time    INTEGER NOT NULL,
	end_time      INTEGER,
	artifact_uri  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics (
	run_id    TEXT NOT NULL REFERENCES runs(run_id),
	key       TEXT NOT NULL,
	value     REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	step      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS metrics_run_key ON metrics(run_id, key, step);
CREATE TABLE IF NOT EXISTS params (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS tags (
	run_id TEXT NOT NULL REFERENCES runs(run_id),
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS registered_models (
	name          TEXT PRIMARY KEY,
	creation_time INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS model_versions (
	name          TEXT NOT NULL REFERENCES registered_models(name),
	version       INTEGER NOT NULL,
	source        TEXT NOT NULL,
	run_id        TEXT,
	status        TEXT NOT NULL,
	creation_time INTEGER NOT NULL,
	PRIMARY KEY (name, version)
);
`

// ErrRunNotFound is returned for operations on unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore is a local tracking store in a single SQLite file with
// artifacts under a directory on disk.
type SQLiteStore struct {
	db           *sql.DB
	artifactRoot string
}

// OpenSQLite opens or creates the store at path. An empty artifactRoot
// places artifacts in "mlartifacts" next to the database file.
func OpenSQLite(ctx context.Context, path, artifactRoot string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create tracking directory: %w", err)
		}
	}
	if artifactRoot == "" {
		artifactRoot = filepath.Join(filepath.Dir(path), "mlartifacts")
	}
	root, err := filepath.Abs(artifactRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tracking schema: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experiments (experiment_id, name, artifact_location, creation_time) VALUES (0, 'Default', ?, ?)`,
		filepath.Join(root, DefaultExperimentID), time.Now().UnixMilli())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create default experiment: %w", err)
	}
	return &SQLiteStore{db: db, artifactRoot: root}, nil
}

func (s *SQLiteStore) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	if name == "" {
		return DefaultExperimentID, nil
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT experiment_id FROM experiments WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return strconv.FormatInt(id, 10), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up experiment: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (name, artifact_location, creation_time) VALUES (?, '', ?)`,
		name, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to create experiment: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read experiment id: %w", err)
	}
	idStr := strconv.FormatInt(id, 10)
	if _, err := s.db.ExecContext(ctx, `UPDATE experiments SET artifact_location = ? WHERE experiment_id = ?`,
		filepath.Join(s.artifactRoot, idStr), id); err != nil {
		return "", fmt.Errorf("failed to set experiment artifact location: %w", err)
	}
	return idStr, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, experimentID, runName string, tags map[string]string) (*Run, error) {
	var location string
	err := s.db.QueryRowContext(ctx, `SELECT artifact_location FROM experiments WHERE experiment_id = ?`, experimentID).Scan(&location)
	if err != nil {
		return nil, fmt.Errorf("unknown experiment %s: %w", experimentID, err)
	}

	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	start := time.Now()
	artifactURI := "file://" + filepath.ToSlash(filepath.Join(location, runID, "artifacts"))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, experiment_id, name, status, start_time, artifact_uri) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, experimentID, runName, StatusRunning.String(), start.UnixMilli(), artifactURI)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	all := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		all[k] = v
	}
	if runName != "" {
		all["mlflow.runName"] = runName
	}
	if err := upsertTags(ctx, tx, runID, all); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}
	return NewRun(s, runID, experimentID, runName, artifactURI, start), nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, status RunStatus, endTime time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, end_time = ? WHERE run_id = ?`,
		status.String(), endTime.UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (s *SQLiteStore) runExists(ctx context.Context, runID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return err
}

func (s *SQLiteStore) LogMetrics(ctx context.Context, runID string, metrics []Metric) error {
	if err := s.runExists(ctx, runID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (run_id, key, value, timestamp, step) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare metric insert: %w", err)
	}
	defer stmt.Close()
	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, runID, m.Key, m.Value, m.Timestamp, m.Step); err != nil {
			return fmt.Errorf("failed to insert metric %s: %w", m.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LogParams(ctx context.Context, runID string, params map[string]string) error {
	if err := s.runExists(ctx, runID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, k := range sortedKeys(params) {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO params (run_id, key, value) VALUES (?, ?, ?)`,
			runID, k, params[k]); err != nil {
			return fmt.Errorf("failed to insert param %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	if err := s.runExists(ctx, runID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := upsertTags(ctx, tx, runID, tags); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertTags(ctx context.Context, tx *sql.Tx, runID string, tags map[string]string) error {
	for _, k := range sortedKeys(tags) {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO tags (run_id, key, value) VALUES (?, ?, ?)`,
			runID, k, tags[k]); err != nil {
			return fmt.Errorf("failed to insert tag %s: %w", k, err)
		}
	}
	return nil
}

func (s *SQLiteStore) LogArtifact(_ context.Context, run *Run, artifactPath string, data []byte) error {
	return writeLocalArtifact(strings.TrimPrefix(run.ArtifactURI, "file://"), artifactPath, data)
}

func (s *SQLiteStore) RegisterModel(ctx context.Context, name, source, runID string) (*ModelVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO registered_models (name, creation_time) VALUES (?, ?)`, name, now); err != nil {
		return nil, fmt.Errorf("failed to create registered model: %w", err)
	}
	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM model_versions WHERE name = ?`, name).Scan(&version); err != nil {
		return nil, fmt.Errorf("failed to allocate model version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO model_versions (name, version, source, run_id, status, creation_time) VALUES (?, ?, ?, ?, 'READY', ?)`,
		name, version, source, runID, now); err != nil {
		return nil, fmt.Errorf("failed to create model version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit model version: %w", err)
	}
	return &ModelVersion{
		Name:    name,
		Version: strconv.FormatInt(version, 10),
		Source:  source,
		RunID:   runID,
		Status:  "READY",
	}, nil
}

// MetricHistory returns every value logged for key, ordered by step.
func (s *SQLiteStore) MetricHistory(ctx context.Context, runID, key string) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, step, timestamp FROM metrics WHERE run_id = ? AND key = ? ORDER BY step, timestamp`, runID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()
	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.Key, &m.Value, &m.Step, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RunStatus returns the stored status of a run.
func (s *SQLiteStore) RunStatus(ctx context.Context, runID string) (RunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query run: %w", err)
	}
	return ParseRunStatus(status)
}

// Params returns the parameters logged for a run.
func (s *SQLiteStore) Params(ctx context.Context, runID string) (map[string]string, error) {
	return s.keyValues(ctx, `SELECT key, value FROM params WHERE run_id = ?`, runID)
}

// Tags returns the tags of a run.
func (s *SQLiteStore) Tags(ctx context.Context, runID string) (map[string]string, error) {
	return s.keyValues(ctx, `SELECT key, value FROM tags WHERE run_id = ?`, runID)
}

func (s *SQLiteStore) keyValues(ctx context.Context, query, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run data: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan run data: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ModelVersions lists the versions of a registered model, oldest first.
func (s *SQLiteStore) ModelVersions(ctx context.Context, name string) ([]ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version, source, COALESCE(run_id, ''), status FROM model_versions WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query model versions: %w", err)
	}
	defer rows.Close()
	var out []ModelVersion
	for rows.Next() {
		var mv ModelVersion
		var version int64
		if err := rows.Scan(&mv.Name, &version, &mv.Source, &mv.RunID, &mv.Status); err != nil {
			return nil, fmt.Errorf("failed to scan model version: %w", err)
		}
		mv.Version = strconv.FormatInt(version, 10)
		out = append(out, mv)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
