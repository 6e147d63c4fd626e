// Package config loads and validates the run configuration shared by every
// rank of a training job. All ranks must be started with the identical
// configuration file; per-rank values (the global rank, the world size)
// arrive separately from the launcher.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/tinyscale/tetrad"
	"github.com/tinyscale/tetrad/pipepar"
	"github.com/tinyscale/tetrad/topology"
)

// A Config is the full configuration surface of a training run.
type Config struct {
	ModelName   string `json:"model_name"`
	DatasetName string `json:"dataset_name"`

	VocabSize  int `json:"vocab_size"`
	HiddenSize int `json:"hidden_size"`
	NumBlocks  int `json:"num_blocks"`

	SequenceLength int     `json:"sequence_length"`
	MicroBatchSize int     `json:"micro_batch_size"`
	GradAccSteps   int     `json:"gradient_accumulation_steps"`
	LearningRate   float64 `json:"learning_rate"`
	WeightDecay    float64 `json:"weight_decay"`

	TotalTrainSteps int   `json:"total_train_steps"`
	MaxTokens       int64 `json:"max_tokens"`
	Seed            int64 `json:"seed"`

	TensorSize   int `json:"tp_size"`
	ContextSize  int `json:"cp_size"`
	PipelineSize int `json:"pp_size"`
	DataSize     int `json:"dp_size"`

	PipelineSchedule string `json:"pipeline_schedule"`
	BucketCapBytes   int    `json:"bucket_cap_bytes"`

	CheckpointDir       string `json:"checkpoint_dir"`
	CheckpointFrequency int    `json:"checkpoint_frequency"`
	LoadPath            string `json:"load_path"`

	// UseWandb is accepted for compatibility with existing run configs;
	// no external metrics are uploaded.
	UseWandb bool `json:"use_wandb"`
}

// Default returns a configuration that trains a small model on a single
// rank. Callers override fields before validating.
func Default() *Config {
	return &Config{
		ModelName:        "refmodel",
		DatasetName:      "synthetic",
		VocabSize:        128,
		HiddenSize:       64,
		NumBlocks:        4,
		SequenceLength:   32,
		MicroBatchSize:   4,
		GradAccSteps:     1,
		LearningRate:     3e-4,
		TotalTrainSteps:  10,
		Seed:             42,
		TensorSize:       1,
		ContextSize:      1,
		PipelineSize:     1,
		DataSize:         1,
		PipelineSchedule: "afab",
	}
}

// Load reads a JSON configuration file on top of the defaults. Unknown
// keys are rejected so a typo never silently falls back to a default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open configuration file")
	}
	defer f.Close()

	cfg := Default()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parse configuration file %s", path)
	}
	return cfg, nil
}

// Validate checks the configuration against the launcher's world size.
func (c *Config) Validate(worldSize int) error {
	product := c.TensorSize * c.ContextSize * c.PipelineSize * c.DataSize
	if c.TensorSize < 1 || c.ContextSize < 1 || c.PipelineSize < 1 || c.DataSize < 1 {
		return tetrad.Configurationf(
			"parallelism degrees must be positive, got tp=%d cp=%d pp=%d dp=%d",
			c.TensorSize, c.ContextSize, c.PipelineSize, c.DataSize)
	}
	if product != worldSize {
		return tetrad.Configurationf(
			"tp=%d x cp=%d x pp=%d x dp=%d = %d does not match world size %d",
			c.TensorSize, c.ContextSize, c.PipelineSize, c.DataSize, product, worldSize)
	}
	if c.SequenceLength < 1 {
		return tetrad.Configurationf("sequence length must be positive, got %d", c.SequenceLength)
	}
	if c.SequenceLength%c.ContextSize != 0 {
		return tetrad.Configurationf(
			"sequence length %d is not divisible by the context-parallel degree %d",
			c.SequenceLength, c.ContextSize)
	}
	if c.MicroBatchSize < 1 {
		return tetrad.Configurationf("micro-batch size must be positive, got %d", c.MicroBatchSize)
	}
	if c.GradAccSteps < 1 {
		return tetrad.Configurationf(
			"gradient accumulation steps must be at least 1, got %d", c.GradAccSteps)
	}
	if c.LearningRate <= 0 {
		return tetrad.Configurationf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.TotalTrainSteps < 1 && c.MaxTokens < 1 {
		return tetrad.Configurationf(
			"either total train steps or max tokens must set a stopping point")
	}
	if c.BucketCapBytes < 0 {
		return tetrad.Configurationf("bucket capacity must not be negative, got %d", c.BucketCapBytes)
	}
	if c.CheckpointFrequency < 0 {
		return tetrad.Configurationf(
			"checkpoint frequency must not be negative, got %d", c.CheckpointFrequency)
	}
	if c.CheckpointFrequency > 0 && c.CheckpointDir == "" {
		return tetrad.Configurationf("checkpointing is enabled but no checkpoint directory is set")
	}
	if _, err := pipepar.ParsePolicy(c.PipelineSchedule); err != nil {
		return err
	}
	return nil
}

// Schedule returns the validated pipeline scheduling policy.
func (c *Config) Schedule() pipepar.Policy {
	p, err := pipepar.ParsePolicy(c.PipelineSchedule)
	if err != nil {
		tetrad.Invariantf("schedule %q passed validation but does not parse", c.PipelineSchedule)
	}
	return p
}

// Topology builds the rank's topology from the parallelism degrees.
func (c *Config) Topology(globalRank, worldSize int) (*topology.Topology, error) {
	return topology.New(topology.Config{
		GlobalRank:   globalRank,
		WorldSize:    worldSize,
		TensorSize:   c.TensorSize,
		ContextSize:  c.ContextSize,
		PipelineSize: c.PipelineSize,
		DataSize:     c.DataSize,
	})
}
