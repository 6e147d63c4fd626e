// Package pipepar schedules forward and backward execution of pipeline
// stages across pipeline-parallel ranks. Two scheduling policies are
// provided: all-forward-all-backward (AFAB), which buffers every activation
// of a step, and one-forward-one-backward (1F1B), which bounds activation
// memory by interleaving forwards and backwards in a warm-up / steady-state
// / cool-down state machine. Both policies accumulate identical gradients;
// they differ only in memory footprint and communication overlap.
package pipepar

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tinyscale/tetrad"
	"github.com/tinyscale/tetrad/topology"
)

// A Policy selects the pipeline scheduling algorithm for one training step.
type Policy int

// The two supported scheduling policies.
const (
	PolicyAFAB Policy = iota
	Policy1F1B
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyAFAB:
		return "afab"
	case Policy1F1B:
		return "1f1b"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "afab":
		return PolicyAFAB, nil
	case "1f1b":
		return Policy1F1B, nil
	}
	return 0, tetrad.Configurationf("unknown pipeline schedule %q", s)
}

// A Phase is one state of the 1F1B schedule.
type Phase int

// The 1F1B phases in execution order.
const (
	PhaseWarmUp Phase = iota
	PhaseSteadyState
	PhaseCoolDown
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseWarmUp:
		return "warm-up"
	case PhaseSteadyState:
		return "steady-state"
	case PhaseCoolDown:
		return "cool-down"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// PlanCounts returns how many micro-batches of a step each 1F1B phase runs
// on the given pipeline rank. The warm-up fills the pipeline downstream of
// the rank, the steady state alternates one forward and one backward, and
// the cool-down drains one backward per warm-up forward.
func PlanCounts(pipelineSize, pipelineRank, gradAcc int) (warmUp, steady, coolDown int) {
	warmUp = pipelineSize - pipelineRank - 1
	if warmUp > gradAcc {
		warmUp = gradAcc
	}
	return warmUp, gradAcc - warmUp, warmUp
}

// An ActivationShape fixes the shape of the activations exchanged between
// adjacent stages: (microBatchSize, seqLen, hidden), where seqLen is the
// per-rank (context-parallel-sharded) sequence length.
type ActivationShape struct {
	MicroBatchSize int
	SeqLen         int
	Hidden         int
}

func (s ActivationShape) dims() []int {
	return []int{s.MicroBatchSize, s.SeqLen, s.Hidden}
}

// A Scheduler orchestrates pipeline execution for one rank. It is
// constructed once and reused across training steps; all per-step state
// lives in the step functions.
type Scheduler struct {
	topo      *topology.Topology
	transport tetrad.Transport
	group     tetrad.Group
	shape     ActivationShape
	lossFn    tetrad.LossFunc
}

// NewScheduler creates a scheduler bound to the topology's pipeline group.
func NewScheduler(topo *topology.Topology, transport tetrad.Transport, shape ActivationShape, lossFn tetrad.LossFunc) *Scheduler {
	return &Scheduler{
		topo:      topo,
		transport: transport,
		group:     topo.Group(topology.AxisPipeline),
		shape:     shape,
		lossFn:    lossFn,
	}
}

// Step runs all gradAcc micro-batches of one training step under the given
// policy. It returns the accumulated loss, already divided by gradAcc; only
// the last stage reports a non-zero loss. Any transport or stage failure
// aborts the step and is fatal to the job.
func (s *Scheduler) Step(stage tetrad.PipelineStage, src tetrad.BatchSource, gradAcc int, policy Policy) (float64, error) {
	if gradAcc < 1 {
		return 0, tetrad.Configurationf(
			"gradient accumulation steps must be at least 1, got %d", gradAcc)
	}

	switch policy {
	case PolicyAFAB:
		return s.stepAFAB(stage, src, gradAcc)
	case Policy1F1B:
		return s.step1F1B(stage, src, gradAcc)
	}
	return 0, tetrad.Configurationf("unknown pipeline schedule %v", policy)
}

// stepState is the per-step micro-batch bookkeeping of one stage: the FIFO
// of in-flight activations and, on the last stage, the pending loss
// gradients. Discarded at step end.
type stepState struct {
	inputs    []*tetrad.Tensor
	outputs   []*tetrad.Tensor
	lossGrads []*tetrad.Tensor
	loss      float64
	forwarded int
	backward  int
}

func (s *Scheduler) stepAFAB(stage tetrad.PipelineStage, src tetrad.BatchSource, gradAcc int) (float64, error) {
	st := &stepState{}

	for i := 0; i < gradAcc; i++ {
		if err := s.runForward(stage, src, st, gradAcc); err != nil {
			return 0, err
		}
	}
	// Backward in the same micro-batch order the forwards ran.
	for i := 0; i < gradAcc; i++ {
		if err := s.runBackward(stage, st); err != nil {
			return 0, err
		}
	}

	return st.loss, nil
}

func (s *Scheduler) step1F1B(stage tetrad.PipelineStage, src tetrad.BatchSource, gradAcc int) (float64, error) {
	warmUp, steady, coolDown := PlanCounts(
		s.topo.Size(topology.AxisPipeline),
		s.topo.Rank(topology.AxisPipeline),
		gradAcc)
	klog.V(2).Infof("%v: 1f1b plan warm-up=%d steady-state=%d cool-down=%d",
		s.topo, warmUp, steady, coolDown)

	st := &stepState{}

	phase := PhaseWarmUp
	for i := 0; i < warmUp; i++ {
		if err := s.runForward(stage, src, st, gradAcc); err != nil {
			return 0, errors.Wrapf(err, "%v", phase)
		}
	}

	phase = PhaseSteadyState
	for i := 0; i < steady; i++ {
		if err := s.runForward(stage, src, st, gradAcc); err != nil {
			return 0, errors.Wrapf(err, "%v", phase)
		}
		if err := s.runBackward(stage, st); err != nil {
			return 0, errors.Wrapf(err, "%v", phase)
		}
	}

	phase = PhaseCoolDown
	for i := 0; i < coolDown; i++ {
		if err := s.runBackward(stage, st); err != nil {
			return 0, errors.Wrapf(err, "%v", phase)
		}
	}

	return st.loss, nil
}

// runForward executes one micro-batch forward pass: receive the upstream
// activation (unless first stage), run the stage, and either forward the
// output downstream or, at the last stage, turn it into a loss and a loss
// gradient. The forward state is buffered for the matching backward.
func (s *Scheduler) runForward(stage tetrad.PipelineStage, src tetrad.BatchSource, st *stepState, gradAcc int) error {
	var input *tetrad.Tensor
	if !s.topo.IsFirstStage() {
		prev, _ := s.topo.PrevPipelineRank()
		input = tetrad.NewTensor(s.shape.dims()...)
		if err := s.transport.Recv(input, prev, s.group); err != nil {
			return errors.Wrapf(err, "recv activation for micro-batch %d", st.forwarded)
		}
	}

	batch, err := src.NextMicroBatch()
	if err != nil {
		return errors.Wrapf(err, "load micro-batch %d", st.forwarded)
	}

	output, err := stage.ForwardStage(batch, input)
	if err != nil {
		return errors.Wrapf(err, "forward micro-batch %d", st.forwarded)
	}

	if s.topo.IsLastStage() {
		loss, grad, err := s.lossFn(output, batch.TargetIDs)
		if err != nil {
			return errors.Wrapf(err, "loss for micro-batch %d", st.forwarded)
		}
		// Divide per micro-batch so the accumulated update matches the
		// non-pipelined training step exactly.
		grad.Scale(1 / float32(gradAcc))
		st.loss += loss / float64(gradAcc)
		st.lossGrads = append(st.lossGrads, grad)
	} else {
		next, _ := s.topo.NextPipelineRank()
		if err := s.transport.Send(output, next, s.group); err != nil {
			return errors.Wrapf(err, "send activation for micro-batch %d", st.forwarded)
		}
	}

	st.inputs = append(st.inputs, input)
	st.outputs = append(st.outputs, output)
	st.forwarded++
	return nil
}

// runBackward executes one micro-batch backward pass for the oldest
// buffered forward: obtain the output gradient (from downstream, or the
// local loss gradient at the last stage), run the stage backward, and send
// the input gradient upstream unless first stage.
func (s *Scheduler) runBackward(stage tetrad.PipelineStage, st *stepState) error {
	if len(st.inputs) == 0 {
		tetrad.Invariantf(
			"backward scheduled for micro-batch %d with no buffered forward", st.backward)
	}

	var outputGrad *tetrad.Tensor
	if s.topo.IsLastStage() {
		outputGrad = st.lossGrads[0]
		st.lossGrads = st.lossGrads[1:]
	} else {
		next, _ := s.topo.NextPipelineRank()
		outputGrad = tetrad.NewTensor(s.shape.dims()...)
		if err := s.transport.Recv(outputGrad, next, s.group); err != nil {
			return errors.Wrapf(err, "recv gradient for micro-batch %d", st.backward)
		}
	}

	input, output := st.inputs[0], st.outputs[0]
	st.inputs = st.inputs[1:]
	st.outputs = st.outputs[1:]

	inputGrad, err := stage.BackwardStage(input, output, outputGrad)
	if err != nil {
		return errors.Wrapf(err, "backward micro-batch %d", st.backward)
	}

	if !s.topo.IsFirstStage() {
		prev, _ := s.topo.PrevPipelineRank()
		if err := s.transport.Send(inputGrad, prev, s.group); err != nil {
			return errors.Wrapf(err, "send gradient for micro-batch %d", st.backward)
		}
	}

	st.backward++
	return nil
}
