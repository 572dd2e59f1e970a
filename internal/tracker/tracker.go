// Package tracker records experiments, runs, hyper-parameters, metric
// series and artifacts in a sqlite database under the save path. Run
// directories are laid out as <save path>/<experiment id>/<run id>.
package tracker

import (
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	// Register the pure Go sqlite driver as "sqlite".
	_ "modernc.org/sqlite"
)

// DBFile is the database file name inside the save path.
const DBFile = "tracking.db"

// Run statuses.
const (
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

//go:embed schema.sql
var schema string

// Tracker is an experiment store rooted at a save path.
type Tracker struct {
	root string
	db   *sql.DB
	now  func() time.Time
}

// Open creates or opens the store under root.
func Open(root string) (*Tracker, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", root)
	}
	dsn := filepath.Join(root, DBFile) +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening tracking store in %s", root)
	}
	// writes from concurrent trials are serialised here
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating tracking schema")
	}
	return &Tracker{root: root, db: db, now: time.Now}, nil
}

// Close releases the database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Root returns the save path.
func (t *Tracker) Root() string {
	return t.root
}

// Experiment returns the id of the named experiment, creating it if needed.
func (t *Tracker) Experiment(name string) (string, error) {
	_, err := t.db.Exec(
		`INSERT INTO experiments (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, t.now().UnixNano()/int64(time.Millisecond))
	if err != nil {
		return "", errors.Wrapf(err, "creating experiment %s", name)
	}
	var id int64
	if err := t.db.QueryRow(`SELECT id FROM experiments WHERE name = ?`, name).Scan(&id); err != nil {
		return "", errors.Wrapf(err, "looking up experiment %s", name)
	}
	return strconv.FormatInt(id, 10), nil
}

// ErrNoExperiment is returned by FindExperiment for an unknown name.
var ErrNoExperiment = errors.New("no such experiment")

// FindExperiment returns the id of the named experiment without creating it.
func (t *Tracker) FindExperiment(name string) (string, error) {
	var id int64
	err := t.db.QueryRow(`SELECT id FROM experiments WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", errors.Wrap(ErrNoExperiment, name)
	}
	if err != nil {
		return "", errors.Wrapf(err, "looking up experiment %s", name)
	}
	return strconv.FormatInt(id, 10), nil
}

// Run is one training run of an experiment.
type Run struct {
	ID           string
	ExperimentID string

	t *Tracker
}

// StartRun creates a running run in experiment.
func (t *Tracker) StartRun(experimentID string) (*Run, error) {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	_, err := t.db.Exec(
		`INSERT INTO runs (id, experiment_id, status, start_time) VALUES (?, ?, ?, ?)`,
		id, experimentID, StatusRunning, t.millis())
	if err != nil {
		return nil, errors.Wrapf(err, "starting run in experiment %s", experimentID)
	}
	return &Run{ID: id, ExperimentID: experimentID, t: t}, nil
}

func (t *Tracker) millis() int64 {
	return t.now().UnixNano() / int64(time.Millisecond)
}

// Dir returns the run directory.
func (r *Run) Dir() string {
	return filepath.Join(r.t.root, r.ExperimentID, r.ID)
}

// CheckpointDir returns the directory holding the run checkpoints.
func (r *Run) CheckpointDir() string {
	return filepath.Join(r.Dir(), "checkpoints")
}

// LogParams records hyper-parameters. Keys already set are overwritten.
func (r *Run) LogParams(params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := r.t.db.Begin()
	if err != nil {
		return errors.Wrap(err, "logging params")
	}
	for _, k := range keys {
		if _, err := tx.Exec(
			`INSERT INTO params (run_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value`,
			r.ID, k, params[k]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "logging param %s", k)
		}
	}
	return errors.Wrap(tx.Commit(), "logging params")
}

// LogMetric appends one value of a metric series.
func (r *Run) LogMetric(key string, value float64, step int) error {
	_, err := r.t.db.Exec(
		`INSERT INTO metrics (run_id, key, value, step, timestamp) VALUES (?, ?, ?, ?, ?)`,
		r.ID, key, value, step, r.t.millis())
	return errors.Wrapf(err, "logging metric %s", key)
}

// LogMetrics appends several metrics at the same step.
func (r *Run) LogMetrics(values map[string]float64, step int) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := r.LogMetric(k, values[k], step); err != nil {
			return err
		}
	}
	return nil
}

// LogArtifacts records every regular file below dir, relative to the run
// directory.
func (r *Run) LogArtifacts(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(r.Dir(), path)
		if err != nil {
			rel = path
		}
		_, err = r.t.db.Exec(
			`INSERT INTO artifacts (run_id, path, size) VALUES (?, ?, ?)
			 ON CONFLICT(run_id, path) DO UPDATE SET size = excluded.size`,
			r.ID, rel, info.Size())
		return errors.Wrapf(err, "logging artifact %s", rel)
	})
}

// End marks the run finished or failed.
func (r *Run) End(status string) error {
	_, err := r.t.db.Exec(`UPDATE runs SET status = ?, end_time = ? WHERE id = ?`, status, r.t.millis(), r.ID)
	return errors.Wrapf(err, "ending run %s", r.ID)
}

// Point is one value of a metric series.
type Point struct {
	Step  int
	Value float64
}

// Metric returns the series key of run ordered by step.
func (t *Tracker) Metric(runID, key string) ([]Point, error) {
	rows, err := t.db.Query(
		`SELECT step, value FROM metrics WHERE run_id = ? AND key = ? ORDER BY step, timestamp`, runID, key)
	if err != nil {
		return nil, errors.Wrapf(err, "querying metric %s", key)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, errors.Wrapf(err, "scanning metric %s", key)
		}
		points = append(points, p)
	}
	return points, errors.Wrapf(rows.Err(), "reading metric %s", key)
}

// Params returns the recorded hyper-parameters of run.
func (t *Tracker) Params(runID string) (map[string]string, error) {
	rows, err := t.db.Query(`SELECT key, value FROM params WHERE run_id = ?`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "querying params")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "scanning params")
		}
		out[k] = v
	}
	return out, errors.Wrap(rows.Err(), "reading params")
}

// RunInfo summarises a run.
type RunInfo struct {
	ID           string
	ExperimentID string
	Status       string
	Start        time.Time
}

// Runs lists the runs of experiment, most recent first.
func (t *Tracker) Runs(experimentID string) ([]RunInfo, error) {
	rows, err := t.db.Query(
		`SELECT id, experiment_id, status, start_time FROM runs WHERE experiment_id = ? ORDER BY start_time DESC, rowid DESC`,
		experimentID)
	if err != nil {
		return nil, errors.Wrap(err, "querying runs")
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var (
			info  RunInfo
			start int64
		)
		if err := rows.Scan(&info.ID, &info.ExperimentID, &info.Status, &start); err != nil {
			return nil, errors.Wrap(err, "scanning runs")
		}
		info.Start = time.Unix(0, start*int64(time.Millisecond))
		runs = append(runs, info)
	}
	return runs, errors.Wrap(rows.Err(), "reading runs")
}

// Artifacts lists the recorded artifact paths of run.
func (t *Tracker) Artifacts(runID string) ([]string, error) {
	rows, err := t.db.Query(`SELECT path FROM artifacts WHERE run_id = ? ORDER BY path`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "querying artifacts")
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, "scanning artifacts")
		}
		paths = append(paths, p)
	}
	return paths, errors.Wrap(rows.Err(), "reading artifacts")
}
