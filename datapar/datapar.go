// Package datapar synchronizes gradients across the combined data+context
// parallel group. Parameter gradients are grouped into fixed-capacity
// buckets whose storage the synchronizer owns; as backward passes finish the
// gradients of a bucket, the bucket's all-reduce is launched on its own
// goroutine so communication overlaps with the remaining backward
// computation.
package datapar

import (
	"fmt"
	"sync"

	"github.com/tinyscale/tetrad"
	"github.com/tinyscale/tetrad/topology"
)

// DefaultBucketCapBytes is the default gradient bucket capacity.
const DefaultBucketCapBytes = 25 * 1024 * 1024

// A bucket is an ordered, fixed-capacity grouping of parameter gradients
// stored in one contiguous buffer. Buckets are assigned once at
// construction and mutated in place as gradients accumulate.
type bucket struct {
	index   int
	params  []*tetrad.Parameter
	buf     *tetrad.Tensor
	ready   int
	reduced bool
}

func (b *bucket) tag() string {
	return fmt.Sprintf("grad-bucket-%d", b.index)
}

// A Synchronizer owns the gradient buckets of one model replica. It
// registers a gradient-ready hook on the model; no other component may
// write to the bucket buffers between reductions.
type Synchronizer struct {
	transport tetrad.Transport
	group     tetrad.Group

	buckets []*bucket
	byParam map[*tetrad.Parameter]*bucket

	mu          sync.Mutex
	syncEnabled bool
	firstErr    error

	inflight sync.WaitGroup
}

// New partitions the model's trainable parameters into buckets of at most
// capBytes bytes, re-points every parameter's gradient tensor at bucket
// storage, and hooks the model's gradient-ready notification. Parameters
// are bucketed in reverse declaration order, the order backward passes
// finalize them, so output-side buckets fill and reduce first.
func New(model tetrad.Trainable, topo *topology.Topology, transport tetrad.Transport, capBytes int) (*Synchronizer, error) {
	if capBytes <= 0 {
		capBytes = DefaultBucketCapBytes
	}
	params := model.Parameters()
	if len(params) == 0 {
		return nil, tetrad.Configurationf("model has no trainable parameters")
	}

	s := &Synchronizer{
		transport: transport,
		group:     topo.ContextDataGroup(),
		byParam:   make(map[*tetrad.Parameter]*bucket),
	}

	var current *bucket
	var currentBytes int
	for i := len(params) - 1; i >= 0; i-- {
		p := params[i]
		bytes := p.NumElems() * 4
		if current == nil || (len(current.params) > 0 && currentBytes+bytes > capBytes) {
			current = &bucket{index: len(s.buckets)}
			currentBytes = 0
			s.buckets = append(s.buckets, current)
		}
		current.params = append(current.params, p)
		currentBytes += bytes
		s.byParam[p] = current
	}

	for _, b := range s.buckets {
		elems := 0
		for _, p := range b.params {
			elems += p.NumElems()
		}
		b.buf = tetrad.NewTensor(elems)
		off := 0
		for _, p := range b.params {
			n := p.NumElems()
			p.Grad.Data = b.buf.Data[off : off+n]
			off += n
		}
	}

	model.OnGradComputed(s.onGradComputed)

	return s, nil
}

// NumBuckets returns how many gradient buckets were assigned.
func (s *Synchronizer) NumBuckets() int {
	return len(s.buckets)
}

// Group returns the data+context group the synchronizer reduces over.
func (s *Synchronizer) Group() tetrad.Group {
	return s.group
}

// SetGradientSync enables or disables gradient communication. The driver
// disables it for all but the last micro-batch of a gradient-accumulation
// group, so partial accumulations stay local.
func (s *Synchronizer) SetGradientSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncEnabled = enabled
}

// onGradComputed is invoked by the model once per parameter per backward
// pass. With sync enabled, the arrival of a bucket's last gradient launches
// the bucket's reduction.
func (s *Synchronizer) onGradComputed(p *tetrad.Parameter) {
	s.mu.Lock()
	b, ok := s.byParam[p]
	if !ok {
		s.mu.Unlock()
		tetrad.Invariantf("gradient reported for unknown parameter %q", p.Name)
	}
	if !s.syncEnabled {
		s.mu.Unlock()
		return
	}

	b.ready++
	if b.ready > len(b.params) {
		s.mu.Unlock()
		tetrad.Invariantf(
			"bucket %d received %d gradient notifications for %d parameters without a reset",
			b.index, b.ready, len(b.params))
	}

	launch := b.ready == len(b.params)
	if launch {
		if b.reduced {
			s.mu.Unlock()
			tetrad.Invariantf("bucket %d reduced twice without repopulation", b.index)
		}
		b.reduced = true
		s.inflight.Add(1)
	}
	s.mu.Unlock()

	if launch {
		go s.reduceBucket(b)
	}
}

// reduceBucket all-reduces the bucket buffer over the data+context group and
// averages it. Runs concurrently with the model's ongoing backward pass.
func (s *Synchronizer) reduceBucket(b *bucket) {
	defer s.inflight.Done()

	if err := s.transport.AllReduce(b.tag(), b.buf, s.group); err != nil {
		s.mu.Lock()
		if s.firstErr == nil {
			s.firstErr = err
		}
		s.mu.Unlock()
		return
	}
	b.buf.Scale(1 / float32(s.group.Size()))
}

// Wait blocks until every in-flight bucket reduction has completed. The
// optimizer step must not read gradients before Wait returns. A transport
// failure surfaces here and is fatal to the job.
func (s *Synchronizer) Wait() error {
	s.inflight.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Reset zeroes the bucket buffers and readiness counters for the next step.
// The buckets are owned by the synchronizer, so the reset is explicit here
// rather than delegated to the optimizer. Call only after Wait.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.buckets {
		b.buf.Zero()
		b.ready = 0
		b.reduced = false
	}
	s.firstErr = nil
}
