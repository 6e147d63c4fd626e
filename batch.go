package tetrad

// A MicroBatch is a fixed-size set of token-id sequences plus the matching
// target-id sequences, both stored row-major with shape
// (BatchSize, SeqLen).
type MicroBatch struct {
	InputIDs  []int32
	TargetIDs []int32
	BatchSize int
	SeqLen    int
}

// NewMicroBatch creates an empty micro-batch of the given shape.
func NewMicroBatch(batchSize, seqLen int) *MicroBatch {
	return &MicroBatch{
		InputIDs:  make([]int32, batchSize*seqLen),
		TargetIDs: make([]int32, batchSize*seqLen),
		BatchSize: batchSize,
		SeqLen:    seqLen,
	}
}

// NumTokens returns the number of input tokens in the micro-batch.
func (b *MicroBatch) NumTokens() int {
	return b.BatchSize * b.SeqLen
}

// A BatchSource produces the next micro-batch of a training step. Sources
// must be deterministic given their construction arguments so that every
// rank of a pipeline group observes the same sequence of batches.
type BatchSource interface {
	NextMicroBatch() (*MicroBatch, error)
}
