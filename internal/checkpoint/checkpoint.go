// Package checkpoint persists model weights together with the optimizer
// and schedule state as a snappy framed gob stream.
package checkpoint

import (
	"encoding/gob"
	"os"
	"path/filepath"

	humanize "github.com/dustin/go-humanize"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/internal/config"
	"github.com/cnclabs/emotion/pkg/nn"
)

// BestFile is the name of the best checkpoint in a checkpoint directory.
const BestFile = "best.ckpt"

// Tensor is a named parameter matrix.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// State is everything needed to resume or serve a run.
type State struct {
	RunID     string
	Epoch     int
	Step      int
	ValLoss   float64
	Config    config.Config
	Params    []Tensor
	Optimizer map[string]nn.AdamState
	LRFactor  float64
}

// Capture snapshots params and the optimizer.
func Capture(params []*nn.Param, opt *nn.AdamW) *State {
	s := &State{Params: make([]Tensor, len(params))}
	for i, p := range params {
		r, c := p.Value.Dims()
		s.Params[i] = Tensor{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), p.Value.RawMatrix().Data...),
		}
	}
	if opt != nil {
		s.Optimizer = opt.State()
		s.LRFactor = opt.Factor
	}
	return s
}

// Restore copies the saved values into params, matched by name.
func (s *State) Restore(params []*nn.Param) error {
	saved := make(map[string]Tensor, len(s.Params))
	for _, t := range s.Params {
		saved[t.Name] = t
	}
	for _, p := range params {
		t, ok := saved[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no parameter %s", p.Name)
		}
		r, c := p.Value.Dims()
		if t.Rows != r || t.Cols != c {
			return errors.Errorf("parameter %s is %dx%d in checkpoint, want %dx%d", p.Name, t.Rows, t.Cols, r, c)
		}
		copy(p.Value.RawMatrix().Data, t.Data)
	}
	return nil
}

// Save writes s to path through a temporary file and returns the written
// size.
func Save(path string, s *State) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %s", tmp)
	}

	w := snappy.NewBufferedWriter(f)
	if err := gob.NewEncoder(w).Encode(s); err != nil {
		f.Close()
		return 0, errors.Wrap(err, "encoding checkpoint")
	}
	if err := w.Close(); err != nil {
		f.Close()
		return 0, errors.Wrap(err, "flushing checkpoint")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, errors.Wrapf(err, "stat %s", tmp)
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrapf(err, "closing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, errors.Wrapf(err, "renaming %s", tmp)
	}
	return info.Size(), nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening checkpoint %s", path)
	}
	defer f.Close()

	var s State
	if err := gob.NewDecoder(snappy.NewReader(f)).Decode(&s); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
	}
	return &s, nil
}

// Best keeps the single checkpoint with the lowest validation loss.
type Best struct {
	Dir    string
	Logger *zap.Logger

	loss  float64
	saved bool
}

// Path returns the location of the best checkpoint.
func (b *Best) Path() string {
	return filepath.Join(b.Dir, BestFile)
}

// Loss returns the best validation loss seen so far and whether one exists.
func (b *Best) Loss() (float64, bool) {
	return b.loss, b.saved
}

// Consider saves the state built by capture when valLoss beats the best
// loss so far. capture is only called when a save happens.
func (b *Best) Consider(valLoss float64, capture func() *State) (bool, error) {
	if b.saved && !(valLoss < b.loss) {
		return false, nil
	}
	s := capture()
	s.ValLoss = valLoss
	size, err := Save(b.Path(), s)
	if err != nil {
		return false, err
	}
	b.loss = valLoss
	b.saved = true
	if b.Logger != nil {
		b.Logger.Info("saved checkpoint",
			zap.String("path", b.Path()),
			zap.Float64("val_loss", valLoss),
			zap.Int("epoch", s.Epoch),
			zap.String("size", humanize.Bytes(uint64(size))))
	}
	return true, nil
}
