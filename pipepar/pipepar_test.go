package pipepar

import (
	"math/rand"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tinyscale/tetrad"
	"github.com/tinyscale/tetrad/memnet"
	"github.com/tinyscale/tetrad/nn"
	"github.com/tinyscale/tetrad/refmodel"
	"github.com/tinyscale/tetrad/topology"
)

// seqSource replays a fixed list of micro-batches. Every pipeline rank of a
// test gets its own seqSource built from the same list, mirroring how real
// ranks derive identical batches from a shared seed.
type seqSource struct {
	batches []*tetrad.MicroBatch
	next    int
}

func (s *seqSource) NextMicroBatch() (*tetrad.MicroBatch, error) {
	b := s.batches[s.next%len(s.batches)]
	s.next++
	return b, nil
}

// tracedStage records the order of forward and backward calls on a stage.
type tracedStage struct {
	inner tetrad.PipelineStage
	trace []string
}

func (t *tracedStage) ForwardStage(batch *tetrad.MicroBatch, input *tetrad.Tensor) (*tetrad.Tensor, error) {
	t.trace = append(t.trace, "F")
	return t.inner.ForwardStage(batch, input)
}

func (t *tracedStage) BackwardStage(input, output, outputGrad *tetrad.Tensor) (*tetrad.Tensor, error) {
	t.trace = append(t.trace, "B")
	return t.inner.BackwardStage(input, output, outputGrad)
}

func (t *tracedStage) Parameters() []*tetrad.Parameter {
	return t.inner.Parameters()
}

func makeBatches(n, batchSize, seqLen, vocabSize int, seed int64) []*tetrad.MicroBatch {
	rng := rand.New(rand.NewSource(seed))
	batches := make([]*tetrad.MicroBatch, n)
	for i := range batches {
		b := tetrad.NewMicroBatch(batchSize, seqLen)
		for j := range b.InputIDs {
			b.InputIDs[j] = int32(rng.Intn(vocabSize))
			b.TargetIDs[j] = int32(rng.Intn(vocabSize))
		}
		batches[i] = b
	}
	return batches
}

func pipelineTopo(rank, ppSize int) *topology.Topology {
	topo, err := topology.New(topology.Config{
		GlobalRank:   rank,
		WorldSize:    ppSize,
		TensorSize:   1,
		ContextSize:  1,
		PipelineSize: ppSize,
		DataSize:     1,
	})
	Expect(err).To(BeNil())
	return topo
}

var _ = Describe("PlanCounts", func() {
	It("should fill the pipeline downstream of an early stage", func() {
		warmUp, steady, coolDown := PlanCounts(3, 0, 4)

		Expect(warmUp).To(Equal(2))
		Expect(steady).To(Equal(2))
		Expect(coolDown).To(Equal(2))
		Expect(warmUp + steady).To(Equal(4))
		Expect(steady + coolDown).To(Equal(4))
	})

	It("should give the last stage no warm-up", func() {
		warmUp, steady, coolDown := PlanCounts(3, 2, 4)

		Expect(warmUp).To(Equal(0))
		Expect(steady).To(Equal(4))
		Expect(coolDown).To(Equal(0))
	})

	It("should cap the warm-up at the micro-batch count", func() {
		warmUp, steady, coolDown := PlanCounts(8, 0, 2)

		Expect(warmUp).To(Equal(2))
		Expect(steady).To(Equal(0))
		Expect(coolDown).To(Equal(2))
	})
})

var _ = Describe("Policy", func() {
	It("should parse schedule names", func() {
		p, err := ParsePolicy("afab")
		Expect(err).To(BeNil())
		Expect(p).To(Equal(PolicyAFAB))

		p, err = ParsePolicy("1f1b")
		Expect(err).To(BeNil())
		Expect(p).To(Equal(Policy1F1B))
	})

	It("should reject an unknown schedule name", func() {
		_, err := ParsePolicy("gpipe")
		Expect(tetrad.IsConfigurationError(err)).To(BeTrue())
	})
})

var _ = Describe("Scheduler", func() {
	cfg := refmodel.Config{
		VocabSize:  11,
		HiddenSize: 6,
		NumBlocks:  4,
		Seed:       42,
	}
	shape := ActivationShape{MicroBatchSize: 2, SeqLen: 3, Hidden: 6}
	gradAcc := 4
	batches := makeBatches(gradAcc, 2, 3, cfg.VocabSize, 7)

	// baseline runs the whole model without a pipeline and returns the
	// accumulated loss and the gradients keyed by parameter name.
	baseline := func() (float64, map[string][]float32) {
		model, err := refmodel.New(cfg)
		Expect(err).To(BeNil())

		var loss float64
		for _, b := range batches {
			logits, err := model.Forward(b)
			Expect(err).To(BeNil())

			mbLoss, grad, err := nn.CrossEntropy(logits, b.TargetIDs)
			Expect(err).To(BeNil())

			grad.Scale(1 / float32(gradAcc))
			loss += mbLoss / float64(gradAcc)
			Expect(model.Backward(grad)).To(Succeed())
		}

		grads := make(map[string][]float32)
		for _, p := range model.Parameters() {
			grads[p.Name] = append([]float32(nil), p.Grad.Data...)
		}
		return loss, grads
	}

	// runPipeline executes one step on ppSize ranks and returns the loss
	// reported by the last stage plus the union of all stage gradients.
	runPipeline := func(ppSize int, policy Policy) (float64, map[string][]float32) {
		fabric := memnet.NewFabric(ppSize)
		losses := make([]float64, ppSize)
		grads := make(map[string][]float32)

		var mu sync.Mutex
		var wg sync.WaitGroup
		for r := 0; r < ppSize; r++ {
			wg.Add(1)
			go func(rank int) {
				defer GinkgoRecover()
				defer wg.Done()

				stage, err := refmodel.NewStage(cfg, rank, ppSize)
				Expect(err).To(BeNil())

				sched := NewScheduler(
					pipelineTopo(rank, ppSize), fabric.Endpoint(rank),
					shape, nn.CrossEntropy)
				loss, err := sched.Step(
					stage, &seqSource{batches: batches}, gradAcc, policy)
				Expect(err).To(BeNil())

				mu.Lock()
				defer mu.Unlock()
				losses[rank] = loss
				for _, p := range stage.Parameters() {
					grads[p.Name] = append([]float32(nil), p.Grad.Data...)
				}
			}(r)
		}
		wg.Wait()

		return losses[ppSize-1], grads
	}

	It("should reject a non-positive accumulation count", func() {
		stage, err := refmodel.New(cfg)
		Expect(err).To(BeNil())

		sched := NewScheduler(
			pipelineTopo(0, 1), memnet.NewFabric(1).Endpoint(0),
			shape, nn.CrossEntropy)
		_, err = sched.Step(stage, &seqSource{batches: batches}, 0, PolicyAFAB)

		Expect(tetrad.IsConfigurationError(err)).To(BeTrue())
	})

	It("should match the non-pipelined step on a single stage", func() {
		wantLoss, wantGrads := baseline()
		loss, grads := runPipeline(1, PolicyAFAB)

		Expect(loss).To(Equal(wantLoss))
		Expect(grads).To(Equal(wantGrads))
	})

	It("should accumulate identical gradients with AFAB on two stages", func() {
		wantLoss, wantGrads := baseline()
		loss, grads := runPipeline(2, PolicyAFAB)

		Expect(loss).To(Equal(wantLoss))
		Expect(grads).To(Equal(wantGrads))
	})

	It("should accumulate identical gradients with 1F1B on two stages", func() {
		wantLoss, wantGrads := baseline()
		loss, grads := runPipeline(2, Policy1F1B)

		Expect(loss).To(Equal(wantLoss))
		Expect(grads).To(Equal(wantGrads))
	})

	It("should order micro-batches per the 1F1B phases on three stages", func() {
		smallCfg := cfg
		smallCfg.NumBlocks = 3

		fabric := memnet.NewFabric(3)
		traces := make([]*tracedStage, 3)

		var wg sync.WaitGroup
		for r := 0; r < 3; r++ {
			stage, err := refmodel.NewStage(smallCfg, r, 3)
			Expect(err).To(BeNil())
			traces[r] = &tracedStage{inner: stage}

			wg.Add(1)
			go func(rank int) {
				defer GinkgoRecover()
				defer wg.Done()

				sched := NewScheduler(
					pipelineTopo(rank, 3), fabric.Endpoint(rank),
					shape, nn.CrossEntropy)
				_, err := sched.Step(
					traces[rank], &seqSource{batches: batches}, gradAcc, Policy1F1B)
				Expect(err).To(BeNil())
			}(r)
		}
		wg.Wait()

		Expect(strings.Join(traces[0].trace, "")).To(Equal("FFFBFBBB"))
		Expect(strings.Join(traces[1].trace, "")).To(Equal("FFBFBFBB"))
		Expect(strings.Join(traces[2].trace, "")).To(Equal("FBFBFBFB"))
	})

	It("should run every forward before any backward with AFAB", func() {
		fabric := memnet.NewFabric(2)
		traces := make([]*tracedStage, 2)

		var wg sync.WaitGroup
		for r := 0; r < 2; r++ {
			stage, err := refmodel.NewStage(cfg, r, 2)
			Expect(err).To(BeNil())
			traces[r] = &tracedStage{inner: stage}

			wg.Add(1)
			go func(rank int) {
				defer GinkgoRecover()
				defer wg.Done()

				sched := NewScheduler(
					pipelineTopo(rank, 2), fabric.Endpoint(rank),
					shape, nn.CrossEntropy)
				_, err := sched.Step(
					traces[rank], &seqSource{batches: batches}, gradAcc, PolicyAFAB)
				Expect(err).To(BeNil())
			}(r)
		}
		wg.Wait()

		Expect(strings.Join(traces[0].trace, "")).To(Equal("FFFFBBBB"))
		Expect(strings.Join(traces[1].trace, "")).To(Equal("FFFFBBBB"))
	})
})
