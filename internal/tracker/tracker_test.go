package tracker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Tracker {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "mlruns"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestExperimentIsStable(t *testing.T) {
	tr := openTest(t)
	a, err := tr.Experiment("exp_name")
	require.NoError(t, err)
	b, err := tr.Experiment("exp_name")
	require.NoError(t, err)
	c, err := tr.Experiment("other")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFindExperimentDoesNotCreate(t *testing.T) {
	tr := openTest(t)
	_, err := tr.FindExperiment("exp_nmae")
	require.Error(t, err)
	assert.Equal(t, ErrNoExperiment, errors.Cause(err))

	var n int
	require.NoError(t, tr.db.QueryRow(`SELECT COUNT(*) FROM experiments`).Scan(&n))
	assert.Zero(t, n)

	id, err := tr.Experiment("exp_name")
	require.NoError(t, err)
	found, err := tr.FindExperiment("exp_name")
	require.NoError(t, err)
	assert.Equal(t, id, found)
}

func TestRunRoundTrip(t *testing.T) {
	tr := openTest(t)
	exp, err := tr.Experiment("exp_name")
	require.NoError(t, err)
	run, err := tr.StartRun(exp)
	require.NoError(t, err)
	assert.Len(t, run.ID, 32)
	assert.Equal(t, filepath.Join(tr.Root(), exp, run.ID, "checkpoints"), run.CheckpointDir())

	require.NoError(t, run.LogParams(map[string]string{"bs": "64", "lr": "2e-05"}))
	require.NoError(t, run.LogParams(map[string]string{"bs": "32"}))
	params, err := tr.Params(run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bs": "32", "lr": "2e-05"}, params)

	require.NoError(t, run.LogMetric("train_loss", 1.5, 0))
	require.NoError(t, run.LogMetric("train_loss", 1.0, 1))
	require.NoError(t, run.LogMetrics(map[string]float64{"val_loss": 0.9, "val_acc": 0.5}, 0))

	series, err := tr.Metric(run.ID, "train_loss")
	require.NoError(t, err)
	assert.Equal(t, []Point{{Step: 0, Value: 1.5}, {Step: 1, Value: 1.0}}, series)
	series, err = tr.Metric(run.ID, "val_acc")
	require.NoError(t, err)
	assert.Equal(t, []Point{{Step: 0, Value: 0.5}}, series)

	require.NoError(t, os.MkdirAll(run.CheckpointDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(run.CheckpointDir(), "best.ckpt"), []byte("x"), 0o644))
	require.NoError(t, run.LogArtifacts(run.CheckpointDir()))
	artifacts, err := tr.Artifacts(run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("checkpoints", "best.ckpt")}, artifacts)

	require.NoError(t, run.End(StatusFinished))
	runs, err := tr.Runs(exp)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFinished, runs[0].Status)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, exp, runs[0].ExperimentID)
}

func TestReopenKeepsData(t *testing.T) {
	root := filepath.Join(t.TempDir(), "mlruns")
	tr, err := Open(root)
	require.NoError(t, err)
	exp, err := tr.Experiment("exp_name")
	require.NoError(t, err)
	run, err := tr.StartRun(exp)
	require.NoError(t, err)
	require.NoError(t, run.LogMetric("val_loss", 0.3, 2))
	require.NoError(t, tr.Close())

	tr, err = Open(root)
	require.NoError(t, err)
	defer tr.Close()
	series, err := tr.Metric(run.ID, "val_loss")
	require.NoError(t, err)
	assert.Equal(t, []Point{{Step: 2, Value: 0.3}}, series)
}
