// Package contextpar shards micro-batches along the sequence axis for
// context parallelism. Each context-parallel rank receives one contiguous,
// equally-sized chunk of every sequence; concatenating the chunks in
// ascending context-rank order reconstructs the original sequence exactly.
package contextpar

import (
	"github.com/tinyscale/tetrad"
	"github.com/tinyscale/tetrad/topology"
)

// A Splitter deterministically selects this rank's sequence chunk. It is a
// pure function of the topology's context coordinate; it performs no
// communication.
type Splitter struct {
	contextRank int
	contextSize int
}

// NewSplitter creates a splitter for the process's context coordinate.
func NewSplitter(topo *topology.Topology) *Splitter {
	return &Splitter{
		contextRank: topo.Rank(topology.AxisContext),
		contextSize: topo.Size(topology.AxisContext),
	}
}

// Split returns the local shard of the micro-batch: chunk number
// context_rank of every input and target sequence. It fails with a
// ConfigurationError if the sequence length is not divisible by the context
// size; startup validation catches this earlier, so hitting it here means
// the loader produced a batch of the wrong shape.
func (s *Splitter) Split(batch *tetrad.MicroBatch) (*tetrad.MicroBatch, error) {
	if s.contextSize == 1 {
		return batch, nil
	}
	if batch.SeqLen%s.contextSize != 0 {
		return nil, tetrad.Configurationf(
			"sequence length %d is not divisible by context parallel size %d",
			batch.SeqLen, s.contextSize)
	}

	chunk := batch.SeqLen / s.contextSize
	start := s.contextRank * chunk

	shard := tetrad.NewMicroBatch(batch.BatchSize, chunk)
	for row := 0; row < batch.BatchSize; row++ {
		srcOff := row*batch.SeqLen + start
		dstOff := row * chunk
		copy(shard.InputIDs[dstOff:dstOff+chunk], batch.InputIDs[srcOff:srcOff+chunk])
		copy(shard.TargetIDs[dstOff:dstOff+chunk], batch.TargetIDs[srcOff:srcOff+chunk])
	}

	return shard, nil
}

// A Source wraps a batch source so that every produced micro-batch is
// already context-parallel sharded. Both the plain and the pipelined
// training step consume their batches through a Source.
type Source struct {
	inner    tetrad.BatchSource
	splitter *Splitter
}

// NewSource wraps src with the given splitter.
func NewSource(src tetrad.BatchSource, splitter *Splitter) *Source {
	return &Source{inner: src, splitter: splitter}
}

// NextMicroBatch returns the local shard of the next micro-batch.
func (s *Source) NextMicroBatch() (*tetrad.MicroBatch, error) {
	batch, err := s.inner.NextMicroBatch()
	if err != nil {
		return nil, err
	}
	return s.splitter.Split(batch)
}
