package checkpoint

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/config"
	"github.com/cnclabs/emotion/pkg/nn"
)

func testParams(seed int64) []*nn.Param {
	rng := rand.New(rand.NewSource(seed))
	return []*nn.Param{
		nn.NewParam("a.weight", 3, 2).Normal(rng, 1),
		nn.NewParam("a.bias", 1, 2).Normal(rng, 1),
	}
}

func TestSaveLoadRestore(t *testing.T) {
	params := testParams(1)
	opt := nn.NewAdamW([]nn.ParamGroup{{Name: "all", Params: params, LR: 0.1}}, 0.01)
	for _, p := range params {
		p.Accumulate(p.Value)
	}
	opt.Step()
	opt.Factor = 0.5

	s := Capture(params, opt)
	s.Epoch = 3
	s.RunID = "run"
	s.Config = config.Default("/h", "/d")

	path := filepath.Join(t.TempDir(), "nested", BestFile)
	size, err := Save(path, s)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Epoch)
	assert.Equal(t, "run", loaded.RunID)
	assert.Equal(t, 0.5, loaded.LRFactor)
	assert.Equal(t, 64, loaded.Config.BS)
	assert.Equal(t, 1, loaded.Optimizer["a.weight"].Step)

	fresh := testParams(2)
	require.NoError(t, loaded.Restore(fresh))
	for i := range params {
		assert.Equal(t, params[i].Value.RawMatrix().Data, fresh[i].Value.RawMatrix().Data)
	}

	other := nn.NewAdamW([]nn.ParamGroup{{Name: "all", Params: fresh, LR: 0.1}}, 0.01)
	require.NoError(t, other.Restore(loaded.Optimizer))
}

func TestRestoreMismatch(t *testing.T) {
	s := Capture(testParams(1), nil)

	require.Error(t, s.Restore([]*nn.Param{nn.NewParam("a.weight", 2, 3)}))
	require.Error(t, s.Restore([]*nn.Param{nn.NewParam("missing", 1, 1)}))
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), BestFile)
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestBestKeepsLowestLoss(t *testing.T) {
	best := &Best{Dir: t.TempDir(), Logger: zap.NewNop()}
	params := testParams(3)
	captures := 0
	capture := func() *State {
		captures++
		s := Capture(params, nil)
		s.Epoch = captures
		return s
	}

	for _, step := range []struct {
		loss  float64
		saved bool
	}{
		{0.9, true},
		{0.9, false},
		{1.2, false},
		{0.4, true},
		{0.5, false},
	} {
		saved, err := best.Consider(step.loss, capture)
		require.NoError(t, err)
		assert.Equal(t, step.saved, saved, "loss %v", step.loss)
	}
	assert.Equal(t, 2, captures)

	loss, ok := best.Loss()
	assert.True(t, ok)
	assert.Equal(t, 0.4, loss)

	s, err := Load(best.Path())
	require.NoError(t, err)
	assert.Equal(t, 0.4, s.ValLoss)
	assert.Equal(t, 2, s.Epoch)

	entries, err := os.ReadDir(best.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
