package refmodel

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tinyscale/tetrad"
	"github.com/tinyscale/tetrad/nn"
)

var cfg = Config{
	VocabSize:  11,
	HiddenSize: 6,
	NumBlocks:  4,
	Seed:       42,
}

func testBatch(batchSize, seqLen int) *tetrad.MicroBatch {
	b := tetrad.NewMicroBatch(batchSize, seqLen)
	for i := range b.InputIDs {
		b.InputIDs[i] = int32((i*5 + 3) % cfg.VocabSize)
		b.TargetIDs[i] = int32((i*7 + 1) % cfg.VocabSize)
	}
	return b
}

var _ = Describe("Stage", func() {
	It("should initialize identically for the same seed", func() {
		a, err := New(cfg)
		Expect(err).ToNot(HaveOccurred())
		b, err := New(cfg)
		Expect(err).ToNot(HaveOccurred())

		Expect(a.Parameters()).To(HaveLen(len(b.Parameters())))
		for i, p := range a.Parameters() {
			Expect(p.Data.Data).To(Equal(b.Parameters()[i].Data.Data))
		}
	})

	It("should pass a finite-difference gradient check through the loss", func() {
		model, err := New(Config{VocabSize: 5, HiddenSize: 3, NumBlocks: 1, Seed: 7})
		Expect(err).ToNot(HaveOccurred())
		batch := tetrad.NewMicroBatch(1, 2)
		batch.InputIDs = []int32{3, 1}
		batch.TargetIDs = []int32{1, 4}

		lossAt := func() float64 {
			m2, err := New(Config{VocabSize: 5, HiddenSize: 3, NumBlocks: 1, Seed: 7})
			Expect(err).ToNot(HaveOccurred())
			for i, p := range model.Parameters() {
				copy(m2.Parameters()[i].Data.Data, p.Data.Data)
			}
			logits, err := m2.Forward(batch)
			Expect(err).ToNot(HaveOccurred())
			loss, _, err := nn.CrossEntropy(logits, batch.TargetIDs)
			Expect(err).ToNot(HaveOccurred())
			return loss
		}

		logits, err := model.Forward(batch)
		Expect(err).ToNot(HaveOccurred())
		_, dLogits, err := nn.CrossEntropy(logits, batch.TargetIDs)
		Expect(err).ToNot(HaveOccurred())
		Expect(model.Backward(dLogits)).To(Succeed())

		const eps = 1e-2
		for _, p := range model.Parameters() {
			for i := 0; i < p.NumElems(); i += 5 {
				orig := p.Data.Data[i]
				p.Data.Data[i] = orig + eps
				up := lossAt()
				p.Data.Data[i] = orig - eps
				down := lossAt()
				p.Data.Data[i] = orig

				numeric := (up - down) / (2 * eps)
				Expect(float64(p.Grad.Data[i])).To(
					BeNumerically("~", numeric, 5e-2),
					"param %s index %d", p.Name, i)
			}
		}
	})

	It("should reproduce the full model when chained as stages", func() {
		full, err := New(cfg)
		Expect(err).ToNot(HaveOccurred())

		const ppSize = 2
		stages := make([]*Stage, ppSize)
		for r := 0; r < ppSize; r++ {
			stages[r], err = NewStage(cfg, r, ppSize)
			Expect(err).ToNot(HaveOccurred())
		}

		batch := testBatch(2, 4)
		wantLogits, err := full.Forward(batch)
		Expect(err).ToNot(HaveOccurred())

		act, err := stages[0].ForwardStage(batch, nil)
		Expect(err).ToNot(HaveOccurred())
		gotLogits, err := stages[1].ForwardStage(batch, act)
		Expect(err).ToNot(HaveOccurred())
		Expect(gotLogits.Data).To(Equal(wantLogits.Data))

		_, dLogits, err := nn.CrossEntropy(wantLogits, batch.TargetIDs)
		Expect(err).ToNot(HaveOccurred())
		Expect(full.Backward(dLogits)).To(Succeed())

		dAct, err := stages[1].BackwardStage(act, gotLogits, dLogits)
		Expect(err).ToNot(HaveOccurred())
		_, err = stages[0].BackwardStage(nil, act, dAct)
		Expect(err).ToNot(HaveOccurred())

		var stageParams []*tetrad.Parameter
		for _, s := range stages {
			stageParams = append(stageParams, s.Parameters()...)
		}
		Expect(stageParams).To(HaveLen(len(full.Parameters())))
		for i, p := range full.Parameters() {
			Expect(stageParams[i].Name).To(Equal(p.Name))
			Expect(stageParams[i].Grad.Data).To(Equal(p.Grad.Data))
		}
	})

	It("should fire gradient hooks output-side first", func() {
		model, err := New(cfg)
		Expect(err).ToNot(HaveOccurred())

		var order []string
		model.OnGradComputed(func(p *tetrad.Parameter) {
			order = append(order, p.Name)
		})

		batch := testBatch(1, 2)
		logits, err := model.Forward(batch)
		Expect(err).ToNot(HaveOccurred())
		_, dLogits, err := nn.CrossEntropy(logits, batch.TargetIDs)
		Expect(err).ToNot(HaveOccurred())
		Expect(model.Backward(dLogits)).To(Succeed())

		Expect(order).To(HaveLen(len(model.Parameters())))
		Expect(order[0]).To(Equal("proj.weight"))
		Expect(order[len(order)-1]).To(Equal("embed.weight"))
	})

	It("should panic on backward without a matching forward", func() {
		model, err := New(cfg)
		Expect(err).ToNot(HaveOccurred())
		Expect(func() {
			_ = model.Backward(tetrad.NewTensor(1))
		}).To(PanicWith(BeAssignableToTypeOf(tetrad.InvariantViolation{})))
	})

	It("should reject a model too small for the pipeline", func() {
		_, err := NewStage(Config{VocabSize: 5, HiddenSize: 2, NumBlocks: 1, Seed: 1}, 0, 2)
		Expect(tetrad.IsConfigurationError(err)).To(BeTrue())
	})
})
