package tetrad

// Model is the opaque model collaborator of the non-pipelined training path.
// Forward and Backward are black boxes: the coordination layer never looks
// inside the math, it only routes batches in and gradients out.
type Model interface {
	// Forward runs the model on a (context-parallel-sharded) micro-batch and
	// returns the logits with shape (batch*seqLen, vocab).
	Forward(batch *MicroBatch) (*Tensor, error)

	// Backward propagates the given logits gradient and accumulates into the
	// parameters' gradient buffers.
	Backward(outputGrad *Tensor) error

	// Parameters returns all trainable parameters of the local model shard.
	Parameters() []*Parameter
}

// A PipelineStage is the model collaborator of one pipeline-parallel stage.
// The first stage embeds token ids and ignores input; every other stage
// consumes the activation received from the previous stage. Stages buffer
// the forward state of in-flight micro-batches internally and replay it in
// FIFO order on BackwardStage.
type PipelineStage interface {
	// ForwardStage runs the stage on one micro-batch. input is nil at the
	// first stage. The returned activation has shape
	// (batch, seqLen, hidden), or (batch*seqLen, vocab) at the last stage.
	ForwardStage(batch *MicroBatch, input *Tensor) (*Tensor, error)

	// BackwardStage consumes the oldest in-flight forward state. input and
	// output must be the tensors of that forward call; outputGrad is the
	// gradient received from the next stage (or the loss gradient at the
	// last stage). It returns the gradient with respect to input, or nil at
	// the first stage.
	BackwardStage(input, output, outputGrad *Tensor) (*Tensor, error)

	// Parameters returns all trainable parameters of the stage.
	Parameters() []*Parameter
}

// A GradHooker exposes the gradient-ready notification the gradient
// synchronizer attaches to. The model must invoke the registered hook once
// per parameter per backward pass, after that parameter's gradient
// accumulation for the pass is complete, in the order gradients become
// final (output-side parameters first).
type GradHooker interface {
	OnGradComputed(hook func(*Parameter))
}

// Trainable is the surface the gradient synchronizer needs from a model.
// Both Model and PipelineStage implementations that support data or context
// parallelism provide it.
type Trainable interface {
	Parameters() []*Parameter
	GradHooker
}

// A LossFunc computes a scalar loss and the logits gradient for one
// micro-batch. logits has shape (batch*seqLen, vocab) and targets holds
// batch*seqLen token ids.
type LossFunc func(logits *Tensor, targets []int32) (float64, *Tensor, error)
