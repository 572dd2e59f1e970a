package sentence

import (
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/cnclabs/emotion/pkg/nn"
	"github.com/cnclabs/emotion/pkg/wordpiece"
)

// Files of a pretrained model directory.
const (
	ConfigFile  = "config.json"
	VocabFile   = "vocab.txt"
	WeightsFile = "model.safetensors"
)

const modelPrefix = "distilbert."

// LoadConfig reads a DistilBERT config.json. Missing keys keep the
// distilbert-base-uncased values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading %s", path)
	}
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding %s", path)
	}
	return cfg, cfg.Validate()
}

// LoadPretrained builds an encoder and its tokenizer from dir, which holds
// config.json, vocab.txt and model.safetensors. dropout overrides the
// configured hidden dropout.
func LoadPretrained(dir string, dropout float64, rng *rand.Rand, logger *zap.Logger) (*Encoder, *wordpiece.Tokenizer, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, nil, err
	}
	cfg.Dropout = dropout

	tok, err := wordpiece.Load(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, nil, err
	}
	switch {
	case tok.VocabSize() > cfg.VocabSize:
		return nil, nil, errors.Errorf("vocabulary of %d tokens exceeds vocab_size %d", tok.VocabSize(), cfg.VocabSize)
	case tok.VocabSize() < cfg.VocabSize:
		logger.Warn("vocabulary smaller than config",
			zap.Int("vocab", tok.VocabSize()), zap.Int("config", cfg.VocabSize))
	}

	enc, err := New(cfg, rng)
	if err != nil {
		return nil, nil, err
	}
	tensors, err := ReadSafetensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, nil, err
	}
	if err := enc.assign(tensors); err != nil {
		return nil, nil, errors.Wrapf(err, "loading %s", dir)
	}

	logger.Info("loaded pretrained encoder",
		zap.String("dir", dir),
		zap.Int("layers", cfg.Layers),
		zap.Int("dim", cfg.Dim),
		zap.Int("tensors", len(tensors)))
	return enc, tok, nil
}

// Tensor is a dense array read from a safetensors file.
type Tensor struct {
	Shape []int
	Data  []float64
}

type tensorInfo struct {
	DType   string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// ReadSafetensors decodes every F32 or F64 tensor of a safetensors file.
// Entries with other dtypes are rejected.
func ReadSafetensors(path string) (map[string]Tensor, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return decodeSafetensors(buf)
}

func decodeSafetensors(buf []byte) (map[string]Tensor, error) {
	if len(buf) < 8 {
		return nil, errors.New("safetensors: truncated header length")
	}
	n := binary.LittleEndian.Uint64(buf[:8])
	if n > uint64(len(buf)-8) {
		return nil, errors.Errorf("safetensors: header of %d bytes exceeds file", n)
	}
	var header map[string]tensorInfo
	if err := json.Unmarshal(buf[8:8+n], &header); err != nil {
		return nil, errors.Wrap(err, "safetensors: decoding header")
	}
	body := buf[8+n:]

	tensors := make(map[string]Tensor, len(header))
	for name, info := range header {
		if name == "__metadata__" {
			continue
		}
		if len(info.Offsets) != 2 || info.Offsets[0] < 0 || info.Offsets[1] > int64(len(body)) || info.Offsets[0] > info.Offsets[1] {
			return nil, errors.Errorf("safetensors: %s has bad offsets %v", name, info.Offsets)
		}
		raw := body[info.Offsets[0]:info.Offsets[1]]
		count := 1
		for _, d := range info.Shape {
			count *= d
		}

		var width int
		switch info.DType {
		case "F32":
			width = 4
		case "F64":
			width = 8
		default:
			return nil, errors.Errorf("safetensors: %s has unsupported dtype %s", name, info.DType)
		}
		if len(raw) != count*width {
			return nil, errors.Errorf("safetensors: %s holds %d bytes, want %d", name, len(raw), count*width)
		}

		values := make([]float64, count)
		for i := range values {
			if width == 4 {
				values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
			} else {
				values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
			}
		}
		tensors[name] = Tensor{Shape: info.Shape, Data: values}
	}
	return tensors, nil
}

// assign copies tensors into the parameters of the same name. Linear
// weights are stored out x in and are transposed.
func (e *Encoder) assign(tensors map[string]Tensor) error {
	byName := make(map[string]Tensor, len(tensors))
	for name, t := range tensors {
		byName[strings.TrimPrefix(name, modelPrefix)] = t
	}

	transposed := e.linearWeights()
	for _, p := range e.Params() {
		t, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("missing tensor %s", p.Name)
		}
		if err := copyTensor(p, t, transposed[p]); err != nil {
			return err
		}
	}
	return nil
}

func copyTensor(p *nn.Param, t Tensor, transpose bool) error {
	rows, cols := p.Value.Dims()
	if len(t.Data) != rows*cols {
		return errors.Errorf("tensor %s has shape %v, want %dx%d", p.Name, t.Shape, rows, cols)
	}
	if !transpose {
		copy(p.Value.RawMatrix().Data, t.Data)
		return nil
	}
	// stored as cols x rows
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			p.Value.Set(i, j, t.Data[j*rows+i])
		}
	}
	return nil
}
