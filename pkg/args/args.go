package args

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Execution modes.
const (
	Train     = "train"
	Evaluate  = "evaluate"
	Predict   = "predict"
	Benchmark = "benchmark"
)

// EnvPrefix is the prefix of environment variables overriding flags, e.g. NNUNET_EXEC_MODE.
const EnvPrefix = "nnunet"

// Args holds the whole run configuration. Keys match the command line flag names.
type Args struct {
	ExecMode string `mapstructure:"exec-mode" yaml:"exec-mode"`
	Data     string `mapstructure:"data" yaml:"data"`
	Results  string `mapstructure:"results" yaml:"results"`
	Task     string `mapstructure:"task" yaml:"task"`
	Fold     int    `mapstructure:"fold" yaml:"fold"`
	NFolds   int    `mapstructure:"nfolds" yaml:"nfolds"`

	GPUs  int `mapstructure:"gpus" yaml:"gpus"`
	Nodes int `mapstructure:"nodes" yaml:"nodes"`

	Epochs          int     `mapstructure:"epochs" yaml:"epochs"`
	LearningRate    float64 `mapstructure:"learning-rate" yaml:"learning-rate"`
	Optimizer       string  `mapstructure:"optimizer" yaml:"optimizer"`
	Momentum        float64 `mapstructure:"momentum" yaml:"momentum"`
	WeightDecay     float64 `mapstructure:"weight-decay" yaml:"weight-decay"`
	GradientClipVal float64 `mapstructure:"gradient-clip-val" yaml:"gradient-clip-val"`
	AMP             bool    `mapstructure:"amp" yaml:"amp"`

	// Seed is nil when no seed was requested.
	Seed *int64 `mapstructure:"-" yaml:"seed,omitempty"`

	SaveCkpt       bool   `mapstructure:"save-ckpt" yaml:"save-ckpt"`
	CkptPath       string `mapstructure:"ckpt-path" yaml:"ckpt-path"`
	CkptStoreDir   string `mapstructure:"ckpt-store-dir" yaml:"ckpt-store-dir"`
	ResumeTraining bool   `mapstructure:"resume-training" yaml:"resume-training"`

	BatchSize    int `mapstructure:"batch-size" yaml:"batch-size"`
	ValBatchSize int `mapstructure:"val-batch-size" yaml:"val-batch-size"`
	NumWorkers   int `mapstructure:"num-workers" yaml:"num-workers"`
	Warmup       int `mapstructure:"warmup" yaml:"warmup"`
	Dim          int `mapstructure:"dim" yaml:"dim"`

	SavePreds bool `mapstructure:"save-preds" yaml:"save-preds"`
	TTA       bool `mapstructure:"tta" yaml:"tta"`

	TrainBatches   int `mapstructure:"train-batches" yaml:"train-batches"`
	TestBatches    int `mapstructure:"test-batches" yaml:"test-batches"`
	SkipFirstNEval int `mapstructure:"skip-first-n-eval" yaml:"skip-first-n-eval"`

	PostTrainScript string `mapstructure:"post-train-script" yaml:"post-train-script"`
	LogFile         string `mapstructure:"log-file" yaml:"log-file"`
	MetricsAddr     string `mapstructure:"metrics-addr" yaml:"metrics-addr"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Args {
	return Args{
		ExecMode:        Train,
		Data:            "/data",
		Results:         "/results",
		NFolds:          5,
		GPUs:            1,
		Nodes:           1,
		Epochs:          1000,
		LearningRate:    0.0008,
		Optimizer:       "adam",
		Momentum:        0.99,
		WeightDecay:     0.0001,
		CkptStoreDir:    "/results",
		BatchSize:       2,
		ValBatchSize:    4,
		NumWorkers:      8,
		Warmup:          5,
		Dim:             3,
		PostTrainScript: "/workspace/nnunet-brats2020/post_train_push.sh",
	}
}

// RegisterFlags adds every run flag to fs with its default value.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path of a YAML file with run settings (flags and NNUNET_* env take precedence)")

	fs.String("exec-mode", d.ExecMode, "execution mode: train, evaluate, predict or benchmark")
	fs.String("data", d.Data, "path to the preprocessed data directory")
	fs.String("results", d.Results, "path to the results directory")
	fs.String("task", d.Task, "task identifier")
	fs.Int("fold", d.Fold, "fold number used for validation")
	fs.Int("nfolds", d.NFolds, "number of cross-validation folds")

	fs.Int("gpus", d.GPUs, "number of devices per node")
	fs.Int("nodes", d.Nodes, "number of nodes")

	fs.Int("epochs", d.Epochs, "number of training epochs")
	fs.Float64("learning-rate", d.LearningRate, "learning rate")
	fs.String("optimizer", d.Optimizer, "optimizer: adam or sgd")
	fs.Float64("momentum", d.Momentum, "momentum of the sgd optimizer")
	fs.Float64("weight-decay", d.WeightDecay, "weight decay (L2 penalty)")
	fs.Float64("gradient-clip-val", d.GradientClipVal, "gradient norm clipping value, 0 disables clipping")
	fs.Bool("amp", d.AMP, "enable automatic mixed precision")
	fs.Int64("seed", 0, "random seed, unset means non-deterministic")

	fs.Bool("save-ckpt", d.SaveCkpt, "save checkpoints while training")
	fs.String("ckpt-path", d.CkptPath, "path of the checkpoint to load")
	fs.String("ckpt-store-dir", d.CkptStoreDir, "directory where checkpoints are stored")
	fs.Bool("resume-training", d.ResumeTraining, "resume from the last checkpoint")

	fs.Int("batch-size", d.BatchSize, "per device training batch size")
	fs.Int("val-batch-size", d.ValBatchSize, "per device validation batch size")
	fs.Int("num-workers", d.NumWorkers, "number of data loading workers")
	fs.Int("warmup", d.Warmup, "warmup steps excluded from performance measurements")
	fs.Int("dim", d.Dim, "number of spatial dimensions of the model (2 or 3)")

	fs.Bool("save-preds", d.SavePreds, "save predictions in predict mode")
	fs.Bool("tta", d.TTA, "enable test time augmentation")

	fs.Int("train-batches", d.TrainBatches, "limit number of training batches per epoch, 0 means all")
	fs.Int("test-batches", d.TestBatches, "limit number of validation and test batches, 0 means all")
	fs.Int("skip-first-n-eval", d.SkipFirstNEval, "skip dice evaluation for the first n epochs")

	fs.String("post-train-script", d.PostTrainScript, "shell script run after a successful training")
	fs.String("log-file", d.LogFile, "also write logs to this rotated file")
	fs.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address, e.g. :9400")
}

// NewViper returns a viper instance bound to the flags in fs, to NNUNET_* env
// variables and, when --config is set, to that YAML file.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	return v, nil
}

// Load decodes and validates the run configuration held by v.
func Load(v *viper.Viper) (*Args, error) {
	a := Default()
	if err := v.Unmarshal(&a); err != nil {
		return nil, fmt.Errorf("error decoding configuration: %w", err)
	}
	if v.IsSet("seed") {
		seed := v.GetInt64("seed")
		a.Seed = &seed
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks the configuration is runnable.
func (a *Args) Validate() error {
	switch a.ExecMode {
	case Train, Evaluate, Predict, Benchmark:
	default:
		return fmt.Errorf("invalid exec mode %q: expected one of train, evaluate, predict, benchmark", a.ExecMode)
	}
	if a.GPUs < 1 {
		return fmt.Errorf("gpus must be >= 1 (got %d)", a.GPUs)
	}
	if a.Nodes < 1 {
		return fmt.Errorf("nodes must be >= 1 (got %d)", a.Nodes)
	}
	if a.BatchSize < 1 || a.ValBatchSize < 1 {
		return fmt.Errorf("batch sizes must be >= 1 (got %d and %d)", a.BatchSize, a.ValBatchSize)
	}
	if a.Dim != 2 && a.Dim != 3 {
		return fmt.Errorf("dim must be 2 or 3 (got %d)", a.Dim)
	}
	if a.NFolds < 1 || a.Fold < 0 || a.Fold >= a.NFolds {
		return fmt.Errorf("fold %d out of range for %d folds", a.Fold, a.NFolds)
	}
	if a.Optimizer != "adam" && a.Optimizer != "sgd" {
		return fmt.Errorf("invalid optimizer %q: expected adam or sgd", a.Optimizer)
	}
	if a.ExecMode == Train && a.Epochs < 1 {
		return fmt.Errorf("epochs must be >= 1 (got %d)", a.Epochs)
	}
	if a.TrainBatches < 0 || a.TestBatches < 0 {
		return fmt.Errorf("batch limits must be >= 0")
	}
	if a.NumWorkers < 0 {
		return fmt.Errorf("num-workers must be >= 0 (got %d)", a.NumWorkers)
	}
	return nil
}

// GlobalBatchSize is the number of samples processed per step across all
// devices of all nodes for the configured mode.
func (a *Args) GlobalBatchSize() int {
	batchSize := a.ValBatchSize
	if a.ExecMode == Train {
		batchSize = a.BatchSize
	}
	return batchSize * a.GPUs * a.Nodes
}

// Precision is the floating point precision of the trainer, 16 with AMP and 32 otherwise.
func (a *Args) Precision() int {
	if a.AMP {
		return 16
	}
	return 32
}
