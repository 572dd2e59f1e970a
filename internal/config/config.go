// Package config holds the hyper-parameters of a training run. A Config is
// built once at startup from defaults, an optional yaml file and command
// line flags, and is not modified afterwards.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Modes of the training binary.
const (
	ModeDefault = "default"
	ModeTest    = "test"
	ModeSearch  = "hparams_search"
)

// Distributed backends.
const (
	BackendDP   = "dp"
	BackendDDP  = "ddp"
	BackendDDP2 = "ddp2"
)

// Config is the full run configuration. Fields carry yaml keys for the
// config file and go-arg tags for the command line.
type Config struct {
	Mode               string `yaml:"mode" arg:"--mode" help:"default, test or hparams_search"`
	SavePath           string `yaml:"save_path" arg:"--save-path" help:"root of the experiment store"`
	GPUs               string `yaml:"gpus" arg:"--gpus" help:"comma separated device ids, one data parallel worker each"`
	DistributedBackend string `yaml:"distributed_backend" arg:"--distributed-backend" help:"dp, ddp or ddp2"`
	Use16Bit           bool   `yaml:"use_16bit" arg:"--use_16bit" help:"accepted for compatibility, training is float64"`
	FastDevRun         bool   `yaml:"fast_dev_run" arg:"--fast_dev_run" help:"one train and one validation batch"`
	TrackGradNorm      bool   `yaml:"track_grad_norm" arg:"--track_grad_norm" help:"log the total gradient norm every step"`

	BS             int     `yaml:"bs" arg:"--bs" help:"batch size"`
	ProjectionSize int     `yaml:"projection_size" arg:"--projection_size" help:"width of the context classifier"`
	NLayers        int     `yaml:"n_layers" arg:"--n_layers" help:"context classifier transformer blocks"`
	FrozenEpochs   int     `yaml:"frozen_epochs" arg:"--frozen_epochs" help:"epochs before the encoder is fine-tuned"`
	LR             float64 `yaml:"lr" arg:"--lr" help:"base learning rate"`
	LayerwiseDecay float64 `yaml:"layerwise_decay" arg:"--layerwise_decay" help:"per layer learning rate decay of the encoder"`
	MaxSeqLen      int     `yaml:"max_seq_len" arg:"--max_seq_len" help:"tokens per turn including [CLS] and [SEP]"`
	Dropout        float64 `yaml:"dropout" arg:"--dropout"`
	TrainFile      string  `yaml:"train_file" arg:"--train_file"`
	ValFile        string  `yaml:"val_file" arg:"--val_file"`
	TestFile       string  `yaml:"test_file" arg:"--test_file"`
	Epochs         int     `yaml:"epochs" arg:"--epochs"`
	Seed           int64   `yaml:"seed" arg:"--seed"`

	Encoder     string  `yaml:"encoder" arg:"--encoder" help:"pretrained encoder directory (config.json, vocab.txt, model.safetensors)"`
	Experiment  string  `yaml:"experiment" arg:"--experiment" help:"experiment name in the store"`
	Trials      int     `yaml:"trials" arg:"--trials" help:"runs of hparams_search"`
	LRCycle     int     `yaml:"lr_cycle" arg:"--lr_cycle" help:"epochs of a cosine learning rate cycle"`
	Patience    int     `yaml:"patience" arg:"--patience" help:"early stopping patience in epochs"`
	WeightDecay float64 `yaml:"weight_decay" arg:"--weight_decay"`
	Balanced    bool    `yaml:"balanced" arg:"--balanced" help:"sample training batches class balanced"`
	Progress    bool    `yaml:"progress" arg:"--progress" help:"show a progress bar"`
	LogLevel    string  `yaml:"log_level" arg:"--log-level" help:"debug, info, warn or error"`
}

// Default returns the stock configuration. home roots the save path and
// dataDir the data files.
func Default(home, dataDir string) Config {
	return Config{
		Mode:               ModeTest,
		SavePath:           filepath.Join(home, "data", "mlflow_experiments", "mlruns"),
		GPUs:               "0,1",
		DistributedBackend: BackendDDP,

		BS:             64,
		ProjectionSize: 256,
		NLayers:        1,
		FrozenEpochs:   2,
		LR:             2e-5,
		LayerwiseDecay: 0.95,
		MaxSeqLen:      32,
		Dropout:        0.1,
		TrainFile:      filepath.Join(dataDir, "data", "clean_train.txt"),
		ValFile:        filepath.Join(dataDir, "data", "clean_val.txt"),
		TestFile:       filepath.Join(dataDir, "data", "clean_test.txt"),
		Epochs:         3,

		Encoder:     filepath.Join(dataDir, "distilbert-base-uncased"),
		Experiment:  "exp_name",
		Trials:      10,
		LRCycle:     10,
		Patience:    5,
		WeightDecay: 0.01,
		LogLevel:    "info",
	}
}

// Load overlays the yaml file at path on base. Keys absent from the file
// keep their base value.
func Load(path string, base Config) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrapf(err, "reading config %s", path)
	}
	cfg := base
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return base, errors.Wrapf(err, "decoding config %s", path)
	}
	return cfg, nil
}

// Workers returns the number of data parallel replicas, one per listed
// device.
func (c Config) Workers() int {
	n := 0
	for _, id := range strings.Split(c.GPUs, ",") {
		if strings.TrimSpace(id) != "" {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeDefault, ModeTest, ModeSearch:
	default:
		return errors.Errorf("unknown mode %q", c.Mode)
	}
	switch c.DistributedBackend {
	case BackendDP, BackendDDP, BackendDDP2:
	default:
		return errors.Errorf("unknown distributed backend %q", c.DistributedBackend)
	}

	switch {
	case c.BS <= 0:
		return errors.Errorf("bs must be positive, got %d", c.BS)
	case c.ProjectionSize <= 0:
		return errors.Errorf("projection_size must be positive, got %d", c.ProjectionSize)
	case c.NLayers < 0:
		return errors.Errorf("n_layers must not be negative, got %d", c.NLayers)
	case c.FrozenEpochs < 0:
		return errors.Errorf("frozen_epochs must not be negative, got %d", c.FrozenEpochs)
	case c.LR <= 0:
		return errors.Errorf("lr must be positive, got %g", c.LR)
	case c.LayerwiseDecay <= 0 || c.LayerwiseDecay > 1:
		return errors.Errorf("layerwise_decay must be in (0, 1], got %g", c.LayerwiseDecay)
	case c.MaxSeqLen < 2:
		return errors.Errorf("max_seq_len must be at least 2, got %d", c.MaxSeqLen)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	case c.Epochs <= 0:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.Patience <= 0:
		return errors.Errorf("patience must be positive, got %d", c.Patience)
	case c.WeightDecay < 0:
		return errors.Errorf("weight_decay must not be negative, got %g", c.WeightDecay)
	case c.Mode == ModeSearch && c.Trials <= 0:
		return errors.Errorf("trials must be positive, got %d", c.Trials)
	case c.Encoder == "":
		return errors.New("encoder is required")
	case c.TrainFile == "" || c.ValFile == "":
		return errors.New("train_file and val_file are required")
	case c.Mode == ModeTest && c.TestFile == "":
		return errors.New("test_file is required in test mode")
	}
	return nil
}

// Params flattens the hyper-parameters for experiment tracking.
func (c Config) Params() map[string]string {
	out := make(map[string]string)
	node := yaml.Node{}
	if err := node.Encode(c); err != nil {
		return out
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		out[node.Content[i].Value] = node.Content[i+1].Value
	}
	return out
}
