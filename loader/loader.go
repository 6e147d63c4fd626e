// Package loader produces the micro-batches consumed by a training step.
// The synthetic loader generates token streams deterministically from the
// run seed and the data-parallel rank: ranks sharing a data rank (all
// tensor, context, and pipeline peers) observe identical batches, while
// distinct data ranks observe disjoint shards of the global batch.
package loader

import (
	"math/rand"

	"github.com/tinyscale/tetrad"
	"github.com/tinyscale/tetrad/topology"
)

// A Config describes the batch geometry of a run.
type Config struct {
	Seed           int64
	VocabSize      int
	MicroBatchSize int
	SeqLen         int
	GradAccSteps   int
}

func (c Config) validate() error {
	if c.VocabSize < 2 {
		return tetrad.Configurationf("vocabulary size must be at least 2, got %d", c.VocabSize)
	}
	if c.MicroBatchSize < 1 {
		return tetrad.Configurationf("micro-batch size must be positive, got %d", c.MicroBatchSize)
	}
	if c.SeqLen < 1 {
		return tetrad.Configurationf("sequence length must be positive, got %d", c.SeqLen)
	}
	if c.GradAccSteps < 1 {
		return tetrad.Configurationf(
			"gradient accumulation steps must be at least 1, got %d", c.GradAccSteps)
	}
	return nil
}

// A Synthetic is a deterministic random-token batch source. It tracks its
// position as (step, microBatch) so a resumed run replays the exact batch
// sequence of the original.
type Synthetic struct {
	cfg      Config
	dataRank int
	dataSize int

	step int
	mb   int
}

// New creates a synthetic source for the rank's data shard.
func New(cfg Config, topo *topology.Topology) (*Synthetic, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Synthetic{
		cfg:      cfg,
		dataRank: topo.Rank(topology.AxisData),
		dataSize: topo.Size(topology.AxisData),
	}, nil
}

// GlobalBatchSize returns the number of sequences one training step
// consumes across all data ranks.
func (s *Synthetic) GlobalBatchSize() int {
	return s.cfg.MicroBatchSize * s.cfg.GradAccSteps * s.dataSize
}

// TokensPerStep returns the number of input tokens one training step
// consumes across all data ranks.
func (s *Synthetic) TokensPerStep() int {
	return s.GlobalBatchSize() * s.cfg.SeqLen
}

// Step returns the training step the next micro-batch belongs to.
func (s *Synthetic) Step() int {
	return s.step
}

// SkipToStep positions the source at the first micro-batch of the given
// step, for resuming from a checkpoint.
func (s *Synthetic) SkipToStep(step int) {
	s.step = step
	s.mb = 0
}

// NextMicroBatch generates the next micro-batch of the current step. Each
// sequence is drawn as seqLen+1 tokens; inputs are the first seqLen and
// targets the last seqLen, so targets are the inputs shifted by one.
func (s *Synthetic) NextMicroBatch() (*tetrad.MicroBatch, error) {
	rng := rand.New(rand.NewSource(batchSeed(s.cfg.Seed, s.dataRank, s.step, s.mb)))

	b := tetrad.NewMicroBatch(s.cfg.MicroBatchSize, s.cfg.SeqLen)
	for row := 0; row < s.cfg.MicroBatchSize; row++ {
		off := row * s.cfg.SeqLen
		prev := int32(rng.Intn(s.cfg.VocabSize))
		for col := 0; col < s.cfg.SeqLen; col++ {
			next := int32(rng.Intn(s.cfg.VocabSize))
			b.InputIDs[off+col] = prev
			b.TargetIDs[off+col] = next
			prev = next
		}
	}

	s.mb++
	if s.mb == s.cfg.GradAccSteps {
		s.mb = 0
		s.step++
	}
	return b, nil
}

// batchSeed mixes the run seed with the batch coordinates so that every
// (dataRank, step, microBatch) combination draws from an independent
// stream.
func batchSeed(seed int64, dataRank, step, mb int) int64 {
	h := uint64(seed)
	for _, v := range [...]uint64{uint64(dataRank), uint64(step), uint64(mb)} {
		h ^= v + 0x9e3779b97f4a7c15 + (h << 6) + (h >> 2)
	}
	return int64(h)
}
