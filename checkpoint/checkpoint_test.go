package checkpoint

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tinyscale/tetrad"
)

var _ = Describe("FileStore", func() {
	var dir string
	var store *FileStore

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		store = NewFileStore(dir)
	})

	state := func(step int) *State {
		return &State{
			Step:          step,
			TrainedTokens: int64(step) * 1024,
			Params: map[string][]float32{
				"block0.weight": {1, 2, 3},
				"block0.bias":   {4},
			},
			OptimStep: step,
			OptimM:    [][]float32{{0.1, 0.2, 0.3}, {0.4}},
			OptimV:    [][]float32{{0.5, 0.6, 0.7}, {0.8}},
		}
	}

	It("should round-trip a rank's state", func() {
		Expect(store.Save(state(5), 2)).To(Succeed())

		got, err := store.Load(5, 2)

		Expect(err).To(BeNil())
		Expect(got).To(Equal(state(5)))
	})

	It("should lay out files per step and rank", func() {
		Expect(store.Save(state(5), 0)).To(Succeed())
		Expect(store.Save(state(5), 1)).To(Succeed())

		Expect(filepath.Join(dir, "5", "rank-0.ckpt")).To(BeAnExistingFile())
		Expect(filepath.Join(dir, "5", "rank-1.ckpt")).To(BeAnExistingFile())
	})

	It("should report the latest checkpointed step", func() {
		_, ok, err := store.LatestStep()
		Expect(err).To(BeNil())
		Expect(ok).To(BeFalse())

		Expect(store.Save(state(5), 0)).To(Succeed())
		Expect(store.Save(state(20), 0)).To(Succeed())
		Expect(store.Save(state(10), 0)).To(Succeed())

		step, ok, err := store.LatestStep()
		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())
		Expect(step).To(Equal(20))
	})

	It("should ignore stray files when scanning for steps", func() {
		Expect(store.Save(state(3), 0)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)).To(Succeed())

		step, ok, err := store.LatestStep()

		Expect(err).To(BeNil())
		Expect(ok).To(BeTrue())
		Expect(step).To(Equal(3))
	})

	It("should fail to load a missing checkpoint", func() {
		_, err := store.Load(99, 0)

		Expect(err).NotTo(BeNil())
	})
})

var _ = Describe("ApplyParams", func() {
	newParam := func(name string, values ...float32) *tetrad.Parameter {
		p := &tetrad.Parameter{
			Name: name,
			Data: tetrad.NewTensor(len(values)),
			Grad: tetrad.NewTensor(len(values)),
		}
		copy(p.Data.Data, values)
		return p
	}

	It("should restore captured values by name", func() {
		src := []*tetrad.Parameter{
			newParam("w", 1, 2),
			newParam("b", 3),
		}
		st := &State{Params: CaptureParams(src)}

		dst := []*tetrad.Parameter{
			newParam("b", 0),
			newParam("w", 0, 0),
		}
		Expect(ApplyParams(st, dst)).To(Succeed())

		Expect(dst[0].Data.Data).To(Equal([]float32{3}))
		Expect(dst[1].Data.Data).To(Equal([]float32{1, 2}))
	})

	It("should reject a checkpoint missing a parameter", func() {
		st := &State{Params: map[string][]float32{"w": {1}}}

		err := ApplyParams(st, []*tetrad.Parameter{newParam("other", 0)})

		Expect(tetrad.IsConfigurationError(err)).To(BeTrue())
	})

	It("should reject a parameter with the wrong shape", func() {
		st := &State{Params: map[string][]float32{"w": {1, 2, 3}}}

		err := ApplyParams(st, []*tetrad.Parameter{newParam("w", 0, 0)})

		Expect(tetrad.IsConfigurationError(err)).To(BeTrue())
	})
})
