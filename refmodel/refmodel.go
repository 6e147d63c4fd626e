// Package refmodel provides a small reference implementation of the model
// collaborator: a token embedding, a stack of dense blocks, and a vocabulary
// projection, all with hand-written gradients. It exists so the coordination
// layer can be exercised end to end without a real transformer: it is
// deterministic given a seed, partitionable into pipeline stages, and fires
// gradient-ready hooks the way an autograd engine would.
//
// The tensor-parallel axis is treated as pure replication; operator-level
// weight sharding is a property of a real model, not of this stand-in.
package refmodel

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tinyscale/tetrad"
)

// A Config describes the reference model.
type Config struct {
	VocabSize  int
	HiddenSize int
	// NumBlocks is the number of dense blocks between the embedding and the
	// vocabulary projection.
	NumBlocks int
	Seed      int64
}

// Validate checks the configuration against the requested pipeline degree.
func (c Config) Validate(pipelineSize int) error {
	if c.VocabSize < 2 || c.HiddenSize < 1 || c.NumBlocks < 1 {
		return tetrad.Configurationf(
			"reference model needs vocab >= 2, hidden >= 1, blocks >= 1, got %+v", c)
	}
	if c.NumBlocks < pipelineSize {
		return tetrad.Configurationf(
			"reference model has %d dense blocks but %d pipeline stages were requested",
			c.NumBlocks, pipelineSize)
	}
	return nil
}

// forwardState keeps what one layer needs to replay its backward pass.
type forwardState struct {
	batch  *tetrad.MicroBatch
	input  *tetrad.Tensor
	output *tetrad.Tensor
}

type layer interface {
	forward(st *forwardState) *tetrad.Tensor
	backward(st *forwardState, outputGrad *tetrad.Tensor) *tetrad.Tensor
	parameters() []*tetrad.Parameter
}

// A record is the buffered forward state of one in-flight micro-batch.
type record struct {
	input  *tetrad.Tensor
	output *tetrad.Tensor
	states []*forwardState
}

// A Stage is one pipeline stage of the reference model (or, with pipeline
// size 1, the whole model). It implements tetrad.Model,
// tetrad.PipelineStage, and tetrad.GradHooker.
type Stage struct {
	cfg      Config
	first    bool
	last     bool
	layers   []layer
	params   []*tetrad.Parameter
	hook     func(*tetrad.Parameter)
	inflight []*record
}

var (
	_ tetrad.Model         = (*Stage)(nil)
	_ tetrad.PipelineStage = (*Stage)(nil)
	_ tetrad.Trainable     = (*Stage)(nil)
)

// New creates the full, single-stage reference model.
func New(cfg Config) (*Stage, error) {
	return NewStage(cfg, 0, 1)
}

// NewStage creates pipeline stage ppRank of ppSize. The first stage owns the
// embedding, the last the vocabulary projection, and the dense blocks are
// split contiguously. Weight initialization is deterministic per layer slot,
// so the union of all stages equals the single-stage model bit for bit.
func NewStage(cfg Config, ppRank, ppSize int) (*Stage, error) {
	if err := cfg.Validate(ppSize); err != nil {
		return nil, err
	}
	if ppRank < 0 || ppRank >= ppSize {
		return nil, tetrad.Configurationf(
			"pipeline rank %d out of range [0, %d)", ppRank, ppSize)
	}

	s := &Stage{
		cfg:   cfg,
		first: ppRank == 0,
		last:  ppRank == ppSize-1,
	}

	if s.first {
		s.layers = append(s.layers, newEmbedding(cfg))
	}
	start := ppRank * cfg.NumBlocks / ppSize
	end := (ppRank + 1) * cfg.NumBlocks / ppSize
	for slot := start; slot < end; slot++ {
		s.layers = append(s.layers, newDense(cfg, slot))
	}
	if s.last {
		s.layers = append(s.layers, newProjection(cfg))
	}

	for _, l := range s.layers {
		s.params = append(s.params, l.parameters()...)
	}

	return s, nil
}

// Parameters returns the trainable parameters of the stage.
func (s *Stage) Parameters() []*tetrad.Parameter {
	return s.params
}

// OnGradComputed registers the gradient-ready hook the gradient synchronizer
// uses. The stage calls it once per parameter per backward pass, output-side
// parameters first.
func (s *Stage) OnGradComputed(hook func(*tetrad.Parameter)) {
	s.hook = hook
}

// ForwardStage runs the stage on one micro-batch and buffers the forward
// state for the matching backward pass.
func (s *Stage) ForwardStage(batch *tetrad.MicroBatch, input *tetrad.Tensor) (*tetrad.Tensor, error) {
	if s.first && input != nil {
		tetrad.Invariantf("first stage received an input activation")
	}
	if !s.first && input == nil {
		tetrad.Invariantf("non-first stage ran forward without an input activation")
	}

	r := &record{input: input}
	x := input
	for _, l := range s.layers {
		st := &forwardState{batch: batch, input: x}
		x = l.forward(st)
		st.output = x
		r.states = append(r.states, st)
	}
	r.output = x
	s.inflight = append(s.inflight, r)

	return x, nil
}

// BackwardStage replays the oldest in-flight forward pass backwards,
// accumulates parameter gradients, and returns the gradient with respect to
// the stage input (nil at the first stage).
func (s *Stage) BackwardStage(input, output, outputGrad *tetrad.Tensor) (*tetrad.Tensor, error) {
	if len(s.inflight) == 0 {
		tetrad.Invariantf("backward requested with no in-flight forward pass")
	}
	r := s.inflight[0]
	s.inflight = s.inflight[1:]
	if r.input != input || r.output != output {
		tetrad.Invariantf(
			"backward does not match the oldest in-flight forward pass")
	}

	grad := outputGrad
	for i := len(s.layers) - 1; i >= 0; i-- {
		l := s.layers[i]
		grad = l.backward(r.states[i], grad)
		if s.hook != nil {
			for _, p := range l.parameters() {
				s.hook(p)
			}
		}
	}

	return grad, nil
}

// Forward implements the non-pipelined model contract.
func (s *Stage) Forward(batch *tetrad.MicroBatch) (*tetrad.Tensor, error) {
	if !s.first || !s.last {
		tetrad.Invariantf("Forward called on a partial pipeline stage")
	}
	return s.ForwardStage(batch, nil)
}

// Backward implements the non-pipelined model contract.
func (s *Stage) Backward(outputGrad *tetrad.Tensor) error {
	if len(s.inflight) == 0 {
		tetrad.Invariantf("backward requested with no in-flight forward pass")
	}
	r := s.inflight[0]
	_, err := s.BackwardStage(r.input, r.output, outputGrad)
	return err
}

// layerSeed derives a per-slot seed so every stage initializes its slice of
// the model identically to the full model.
func layerSeed(seed int64, slot int) int64 {
	return seed + int64(slot+1)*7919
}

func initUniform(rng *rand.Rand, data []float32, fanIn int) {
	scale := 1 / math.Sqrt(float64(fanIn))
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * scale)
	}
}

func newParam(name string, shape ...int) *tetrad.Parameter {
	return &tetrad.Parameter{
		Name: name,
		Data: tetrad.NewTensor(shape...),
		Grad: tetrad.NewTensor(shape...),
	}
}

// An embedding maps token ids to hidden vectors. Slot 0.
type embedding struct {
	weight *tetrad.Parameter
	hidden int
}

func newEmbedding(cfg Config) *embedding {
	e := &embedding{
		weight: newParam("embed.weight", cfg.VocabSize, cfg.HiddenSize),
		hidden: cfg.HiddenSize,
	}
	rng := rand.New(rand.NewSource(layerSeed(cfg.Seed, 0)))
	initUniform(rng, e.weight.Data.Data, cfg.HiddenSize)
	return e
}

func (e *embedding) forward(st *forwardState) *tetrad.Tensor {
	b := st.batch
	out := tetrad.NewTensor(b.BatchSize, b.SeqLen, e.hidden)
	for tok, id := range b.InputIDs {
		row := e.weight.Data.Data[int(id)*e.hidden : (int(id)+1)*e.hidden]
		copy(out.Data[tok*e.hidden:(tok+1)*e.hidden], row)
	}
	return out
}

func (e *embedding) backward(st *forwardState, outputGrad *tetrad.Tensor) *tetrad.Tensor {
	for tok, id := range st.batch.InputIDs {
		gradRow := e.weight.Grad.Data[int(id)*e.hidden : (int(id)+1)*e.hidden]
		dyRow := outputGrad.Data[tok*e.hidden : (tok+1)*e.hidden]
		for i, g := range dyRow {
			gradRow[i] += g
		}
	}
	return nil
}

func (e *embedding) parameters() []*tetrad.Parameter {
	return []*tetrad.Parameter{e.weight}
}

// A dense block is an affine map with a ReLU. Slots 1..NumBlocks.
type dense struct {
	weight *tetrad.Parameter
	bias   *tetrad.Parameter
	hidden int
}

func newDense(cfg Config, slot int) *dense {
	d := &dense{
		weight: newParam(fmt.Sprintf("block%d.weight", slot), cfg.HiddenSize, cfg.HiddenSize),
		bias:   newParam(fmt.Sprintf("block%d.bias", slot), cfg.HiddenSize),
		hidden: cfg.HiddenSize,
	}
	rng := rand.New(rand.NewSource(layerSeed(cfg.Seed, slot+1)))
	initUniform(rng, d.weight.Data.Data, cfg.HiddenSize)
	return d
}

func (d *dense) forward(st *forwardState) *tetrad.Tensor {
	h := d.hidden
	rows := st.input.NumElems() / h
	out := tetrad.NewTensor(st.input.Shape...)
	w := d.weight.Data.Data
	bias := d.bias.Data.Data

	for r := 0; r < rows; r++ {
		x := st.input.Data[r*h : (r+1)*h]
		y := out.Data[r*h : (r+1)*h]
		for j := 0; j < h; j++ {
			sum := bias[j]
			for i := 0; i < h; i++ {
				sum += x[i] * w[i*h+j]
			}
			if sum < 0 {
				sum = 0
			}
			y[j] = sum
		}
	}
	return out
}

func (d *dense) backward(st *forwardState, outputGrad *tetrad.Tensor) *tetrad.Tensor {
	h := d.hidden
	rows := st.input.NumElems() / h
	dx := tetrad.NewTensor(st.input.Shape...)
	w := d.weight.Data.Data
	dw := d.weight.Grad.Data
	db := d.bias.Grad.Data

	for r := 0; r < rows; r++ {
		x := st.input.Data[r*h : (r+1)*h]
		y := st.output.Data[r*h : (r+1)*h]
		dy := outputGrad.Data[r*h : (r+1)*h]
		dxRow := dx.Data[r*h : (r+1)*h]
		for j := 0; j < h; j++ {
			if y[j] <= 0 {
				continue
			}
			dz := dy[j]
			db[j] += dz
			for i := 0; i < h; i++ {
				dw[i*h+j] += x[i] * dz
				dxRow[i] += w[i*h+j] * dz
			}
		}
	}
	return dx
}

func (d *dense) parameters() []*tetrad.Parameter {
	return []*tetrad.Parameter{d.weight, d.bias}
}

// A projection maps hidden vectors to vocabulary logits with shape
// (tokens, vocab). Slot NumBlocks+1.
type projection struct {
	weight *tetrad.Parameter
	bias   *tetrad.Parameter
	hidden int
	vocab  int
}

func newProjection(cfg Config) *projection {
	p := &projection{
		weight: newParam("proj.weight", cfg.HiddenSize, cfg.VocabSize),
		bias:   newParam("proj.bias", cfg.VocabSize),
		hidden: cfg.HiddenSize,
		vocab:  cfg.VocabSize,
	}
	rng := rand.New(rand.NewSource(layerSeed(cfg.Seed, cfg.NumBlocks+1)))
	initUniform(rng, p.weight.Data.Data, cfg.HiddenSize)
	return p
}

func (p *projection) forward(st *forwardState) *tetrad.Tensor {
	h := p.hidden
	v := p.vocab
	rows := st.input.NumElems() / h
	out := tetrad.NewTensor(rows, v)
	w := p.weight.Data.Data
	bias := p.bias.Data.Data

	for r := 0; r < rows; r++ {
		x := st.input.Data[r*h : (r+1)*h]
		y := out.Data[r*v : (r+1)*v]
		for j := 0; j < v; j++ {
			sum := bias[j]
			for i := 0; i < h; i++ {
				sum += x[i] * w[i*v+j]
			}
			y[j] = sum
		}
	}
	return out
}

func (p *projection) backward(st *forwardState, outputGrad *tetrad.Tensor) *tetrad.Tensor {
	h := p.hidden
	v := p.vocab
	rows := st.input.NumElems() / h
	dx := tetrad.NewTensor(st.input.Shape...)
	w := p.weight.Data.Data
	dw := p.weight.Grad.Data
	db := p.bias.Grad.Data

	for r := 0; r < rows; r++ {
		x := st.input.Data[r*h : (r+1)*h]
		dy := outputGrad.Data[r*v : (r+1)*v]
		dxRow := dx.Data[r*h : (r+1)*h]
		for j := 0; j < v; j++ {
			dz := dy[j]
			if dz == 0 {
				continue
			}
			db[j] += dz
			for i := 0; i < h; i++ {
				dw[i*v+j] += x[i] * dz
				dxRow[i] += w[i*v+j] * dz
			}
		}
	}
	return dx
}

func (p *projection) parameters() []*tetrad.Parameter {
	return []*tetrad.Parameter{p.weight, p.bias}
}
