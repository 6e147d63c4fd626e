// Package train drives the training loop of one rank: it assembles the
// topology-aware components (batch loading, context sharding, pipeline
// scheduling, gradient synchronization, loss reduction, optimization,
// checkpointing) and runs steps until the configured stopping point.
package train

import (
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tinyscale/tetrad"
	"github.com/tinyscale/tetrad/checkpoint"
	"github.com/tinyscale/tetrad/collective"
	"github.com/tinyscale/tetrad/config"
	"github.com/tinyscale/tetrad/contextpar"
	"github.com/tinyscale/tetrad/datapar"
	"github.com/tinyscale/tetrad/loader"
	"github.com/tinyscale/tetrad/nn"
	"github.com/tinyscale/tetrad/optim"
	"github.com/tinyscale/tetrad/pipepar"
	"github.com/tinyscale/tetrad/refmodel"
	"github.com/tinyscale/tetrad/topology"
)

// A StageModel is what the trainer needs from a model: the whole-model
// entry points for the non-pipelined path, the stage entry points for the
// pipelined path, and gradient-ready notification.
type StageModel interface {
	tetrad.Model
	tetrad.PipelineStage
	tetrad.GradHooker
}

// A Trainer owns the training loop of one rank.
type Trainer struct {
	cfg       *config.Config
	topo      *topology.Topology
	transport tetrad.Transport

	stage  StageModel
	source *loader.Synthetic
	cpSrc  tetrad.BatchSource
	sync   *datapar.Synchronizer
	opt    *optim.AdamW
	sched  *pipepar.Scheduler
	policy pipepar.Policy
	store  checkpoint.Store

	step          int
	trainedTokens int64
}

// New assembles a trainer for the rank described by topo. The
// configuration must already be validated against the world size.
func New(cfg *config.Config, topo *topology.Topology, transport tetrad.Transport) (*Trainer, error) {
	stage, err := refmodel.NewStage(refmodel.Config{
		VocabSize:  cfg.VocabSize,
		HiddenSize: cfg.HiddenSize,
		NumBlocks:  cfg.NumBlocks,
		Seed:       cfg.Seed,
	}, topo.Rank(topology.AxisPipeline), topo.Size(topology.AxisPipeline))
	if err != nil {
		return nil, err
	}

	source, err := loader.New(loader.Config{
		Seed:           cfg.Seed,
		VocabSize:      cfg.VocabSize,
		MicroBatchSize: cfg.MicroBatchSize,
		SeqLen:         cfg.SequenceLength,
		GradAccSteps:   cfg.GradAccSteps,
	}, topo)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:       cfg,
		topo:      topo,
		transport: transport,
		stage:     stage,
		source:    source,
		cpSrc:     contextpar.NewSource(source, contextpar.NewSplitter(topo)),
		policy:    cfg.Schedule(),
	}

	// A lone replica has nothing to average with; skip the synchronizer so
	// no degenerate single-member collectives run per step.
	if topo.ContextDataWorldSize() > 1 {
		t.sync, err = datapar.New(stage, topo, transport, cfg.BucketCapBytes)
		if err != nil {
			return nil, err
		}
	}

	t.opt = optim.NewAdamW(stage.Parameters(), cfg.LearningRate).
		WithWeightDecay(cfg.WeightDecay)

	t.sched = pipepar.NewScheduler(topo, transport, pipepar.ActivationShape{
		MicroBatchSize: cfg.MicroBatchSize,
		SeqLen:         cfg.SequenceLength / cfg.ContextSize,
		Hidden:         cfg.HiddenSize,
	}, nn.CrossEntropy)

	if cfg.CheckpointDir != "" {
		t.store = checkpoint.NewFileStore(cfg.CheckpointDir)
	}
	return t, nil
}

// StepCount returns the number of completed training steps.
func (t *Trainer) StepCount() int {
	return t.step
}

// TrainedTokens returns the number of tokens consumed across all ranks so
// far.
func (t *Trainer) TrainedTokens() int64 {
	return t.trainedTokens
}

// Parameters exposes the rank's parameter shard.
func (t *Trainer) Parameters() []*tetrad.Parameter {
	return t.stage.Parameters()
}

// syncGate defers gradient synchronization to the final backward pass of a
// step. It counts backward calls so the pipelined paths, whose backwards
// run inside the scheduler, enable the synchronizer exactly once.
type syncGate struct {
	inner        tetrad.PipelineStage
	sync         *datapar.Synchronizer
	lastBackward int
	backwards    int
}

func (g *syncGate) ForwardStage(batch *tetrad.MicroBatch, input *tetrad.Tensor) (*tetrad.Tensor, error) {
	return g.inner.ForwardStage(batch, input)
}

func (g *syncGate) BackwardStage(input, output, outputGrad *tetrad.Tensor) (*tetrad.Tensor, error) {
	g.backwards++
	if g.sync != nil && g.backwards == g.lastBackward {
		g.sync.SetGradientSync(true)
	}
	return g.inner.BackwardStage(input, output, outputGrad)
}

func (g *syncGate) Parameters() []*tetrad.Parameter {
	return g.inner.Parameters()
}

// TrainStep runs one full training step: gradAccSteps micro-batches of
// forward and backward, overlapped gradient averaging, loss reduction over
// the context+data group, and one optimizer update. It returns the
// globally averaged loss; ranks outside the last pipeline stage return 0.
func (t *Trainer) TrainStep() (float64, error) {
	if t.sync != nil {
		t.sync.Reset()
		t.sync.SetGradientSync(false)
	} else {
		t.opt.ZeroGrad()
	}

	var loss float64
	var err error
	if t.topo.Size(topology.AxisPipeline) > 1 {
		gate := &syncGate{inner: t.stage, sync: t.sync, lastBackward: t.cfg.GradAccSteps}
		loss, err = t.sched.Step(gate, t.cpSrc, t.cfg.GradAccSteps, t.policy)
	} else {
		loss, err = t.plainStep()
	}
	if err != nil {
		return 0, err
	}

	if t.sync != nil {
		if err := t.sync.Wait(); err != nil {
			return 0, errors.Wrap(err, "synchronize gradients")
		}
	}

	// Only the last stage holds a loss; its context+data peers average so
	// the reported value covers the full global batch.
	if t.topo.IsLastStage() {
		loss, err = collective.AllReduceLoss(loss, t.topo, t.transport)
		if err != nil {
			return 0, err
		}
	}

	t.opt.Step()
	t.step++
	t.trainedTokens += int64(t.source.TokensPerStep())
	return loss, nil
}

// plainStep is the non-pipelined step: the rank owns the whole model and
// runs every micro-batch locally.
func (t *Trainer) plainStep() (float64, error) {
	gradAcc := t.cfg.GradAccSteps
	var acc float64
	for i := 0; i < gradAcc; i++ {
		if t.sync != nil && i == gradAcc-1 {
			t.sync.SetGradientSync(true)
		}

		batch, err := t.cpSrc.NextMicroBatch()
		if err != nil {
			return 0, errors.Wrapf(err, "load micro-batch %d", i)
		}
		logits, err := t.stage.Forward(batch)
		if err != nil {
			return 0, errors.Wrapf(err, "forward micro-batch %d", i)
		}
		mbLoss, grad, err := nn.CrossEntropy(logits, batch.TargetIDs)
		if err != nil {
			return 0, errors.Wrapf(err, "loss for micro-batch %d", i)
		}

		grad.Scale(1 / float32(gradAcc))
		acc += mbLoss / float64(gradAcc)
		if err := t.stage.Backward(grad); err != nil {
			return 0, errors.Wrapf(err, "backward micro-batch %d", i)
		}
	}
	return acc, nil
}

// Run executes training steps until the configured step count or token
// budget is reached, loading a checkpoint first when one is configured.
func (t *Trainer) Run() error {
	if t.cfg.LoadPath != "" {
		if err := t.resume(); err != nil {
			return err
		}
	}

	for !t.done() {
		start := time.Now()
		loss, err := t.TrainStep()
		if err != nil {
			return errors.Wrapf(err, "train step %d", t.step)
		}

		if t.topo.IsReportingRank() {
			rate := float64(t.source.TokensPerStep()) / time.Since(start).Seconds()
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			klog.Infof("%v: step %4d | loss %7.4f | tokens %s | %stok/s | %stok/s/rank | mem %s",
				t.topo, t.step, loss,
				humanize.Comma(t.trainedTokens),
				humanize.SIWithDigits(rate, 1, ""),
				humanize.SIWithDigits(rate/float64(t.topo.WorldSize()), 1, ""),
				humanize.IBytes(mem.Alloc))
		}

		if t.store != nil && t.cfg.CheckpointFrequency > 0 &&
			t.step%t.cfg.CheckpointFrequency == 0 {
			if err := t.saveCheckpoint(); err != nil {
				return errors.Wrapf(err, "checkpoint at step %d", t.step)
			}
		}
	}
	return nil
}

func (t *Trainer) done() bool {
	if t.cfg.TotalTrainSteps > 0 && t.step >= t.cfg.TotalTrainSteps {
		return true
	}
	return t.cfg.MaxTokens > 0 && t.trainedTokens >= t.cfg.MaxTokens
}

func (t *Trainer) saveCheckpoint() error {
	optStep, m, v := t.opt.State()
	return t.store.Save(&checkpoint.State{
		Step:          t.step,
		TrainedTokens: t.trainedTokens,
		Params:        checkpoint.CaptureParams(t.stage.Parameters()),
		OptimStep:     optStep,
		OptimM:        m,
		OptimV:        v,
	}, t.topo.GlobalRank())
}

// resume restores the rank's state from the newest checkpoint under the
// configured load path and fast-forwards the batch source to match.
func (t *Trainer) resume() error {
	store := checkpoint.NewFileStore(t.cfg.LoadPath)
	step, ok, err := store.LatestStep()
	if err != nil {
		return err
	}
	if !ok {
		return tetrad.Configurationf("no checkpoint found under %s", t.cfg.LoadPath)
	}

	st, err := store.Load(step, t.topo.GlobalRank())
	if err != nil {
		return err
	}
	if err := checkpoint.ApplyParams(st, t.stage.Parameters()); err != nil {
		return err
	}
	if err := t.opt.Restore(st.OptimStep, st.OptimM, st.OptimV); err != nil {
		return err
	}
	t.step = st.Step
	t.trainedTokens = st.TrainedTokens
	t.source.SkipToStep(st.Step)

	klog.Infof("%v: resumed from step %d (%s tokens)",
		t.topo, t.step, humanize.Comma(t.trainedTokens))
	return nil
}
