// Package memnet provides an in-process reference implementation of the
// transport collaborator. All ranks of a job run as goroutines in one
// process; point-to-point traffic flows over buffered per-link channels and
// collectives rendezvous on tagged sessions. Delivery is reliable and
// ordered per (source, destination) pair, matching the contract the
// coordination layer assumes of a real fabric.
package memnet

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tinyscale/tetrad"
)

const linkBufferDepth = 1024

type linkKey struct {
	group string
	src   int
	dst   int
}

type sessionKey struct {
	group string
	tag   string
	seq   uint64
}

type message struct {
	id    string
	shape []int
	data  []float32
}

// A collectiveSession gathers one contribution per group member, reduces
// them in ascending member order once all have arrived, and hands the same
// result to every member. Reducing in a fixed order keeps results
// deterministic and bit-identical across members.
type collectiveSession struct {
	need      int
	shape     []int
	contribs  [][]float32
	arrived   int
	result    []float32
	err       error
	done      chan struct{}
	delivered int
}

// A Fabric connects the endpoints of all ranks of one in-process job.
type Fabric struct {
	worldSize int

	mu       sync.Mutex
	links    map[linkKey]chan message
	sessions map[sessionKey]*collectiveSession
}

// NewFabric creates a fabric for worldSize ranks.
func NewFabric(worldSize int) *Fabric {
	return &Fabric{
		worldSize: worldSize,
		links:     make(map[linkKey]chan message),
		sessions:  make(map[sessionKey]*collectiveSession),
	}
}

// WorldSize returns the number of ranks the fabric connects.
func (f *Fabric) WorldSize() int {
	return f.worldSize
}

// Endpoint returns rank's view of the fabric.
func (f *Fabric) Endpoint(rank int) *Endpoint {
	if rank < 0 || rank >= f.worldSize {
		tetrad.Invariantf("endpoint rank %d out of range [0, %d)", rank, f.worldSize)
	}
	return &Endpoint{
		fabric: f,
		rank:   rank,
		seqs:   make(map[string]uint64),
	}
}

func (f *Fabric) link(key linkKey) chan message {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.links[key]
	if !ok {
		ch = make(chan message, linkBufferDepth)
		f.links[key] = ch
	}
	return ch
}

// An Endpoint implements tetrad.Transport for one rank. It is safe for
// concurrent use; overlapping collectives on the same group are
// disambiguated by tag, and same-tag collectives by issue order.
type Endpoint struct {
	fabric *Fabric
	rank   int

	seqMu sync.Mutex
	seqs  map[string]uint64
}

var _ tetrad.Transport = (*Endpoint)(nil)

// Rank returns the rank this endpoint belongs to.
func (e *Endpoint) Rank() int {
	return e.rank
}

// Send delivers a copy of the tensor to dst over the group's link.
func (e *Endpoint) Send(t *tetrad.Tensor, dst int, group tetrad.Group) error {
	if !group.Contains(e.rank) {
		return tetrad.Transportf("send",
			"rank %d is not a member of group %q", e.rank, group.Name)
	}
	if !group.Contains(dst) {
		return tetrad.Transportf("send",
			"destination rank %d is not a member of group %q", dst, group.Name)
	}

	msg := message{
		id:    uuid.NewString(),
		shape: append([]int{}, t.Shape...),
		data:  append([]float32{}, t.Data...),
	}
	e.fabric.link(linkKey{group: group.Name, src: e.rank, dst: dst}) <- msg
	return nil
}

// Recv blocks until the next tensor from src arrives and copies it into buf.
func (e *Endpoint) Recv(buf *tetrad.Tensor, src int, group tetrad.Group) error {
	if !group.Contains(e.rank) {
		return tetrad.Transportf("recv",
			"rank %d is not a member of group %q", e.rank, group.Name)
	}
	if !group.Contains(src) {
		return tetrad.Transportf("recv",
			"source rank %d is not a member of group %q", src, group.Name)
	}

	msg := <-e.fabric.link(linkKey{group: group.Name, src: src, dst: e.rank})
	if !sameShape(msg.shape, buf.Shape) {
		return tetrad.Transportf("recv",
			"message %s from rank %d has shape %v, want %v",
			msg.id, src, msg.shape, buf.Shape)
	}
	copy(buf.Data, msg.data)
	return nil
}

// AllReduce sums the tensor across the group and stores the result in t on
// every member.
func (e *Endpoint) AllReduce(tag string, t *tetrad.Tensor, group tetrad.Group) error {
	memberIdx := -1
	for i, r := range group.Ranks {
		if r == e.rank {
			memberIdx = i
			break
		}
	}
	if memberIdx < 0 {
		return tetrad.Transportf("allreduce",
			"rank %d is not a member of group %q", e.rank, group.Name)
	}

	key := sessionKey{
		group: group.Name,
		tag:   tag,
		seq:   e.nextSeq(group.Name, tag),
	}

	f := e.fabric
	f.mu.Lock()
	s, ok := f.sessions[key]
	if !ok {
		s = &collectiveSession{
			need:     group.Size(),
			shape:    append([]int{}, t.Shape...),
			contribs: make([][]float32, group.Size()),
			done:     make(chan struct{}),
		}
		f.sessions[key] = s
	}
	if s.err == nil && !sameShape(s.shape, t.Shape) {
		s.err = tetrad.Transportf("allreduce",
			"rank %d joined collective %q/%q with shape %v, others use %v",
			e.rank, group.Name, tag, t.Shape, s.shape)
		close(s.done)
	}
	if s.err == nil && s.contribs[memberIdx] != nil {
		s.err = tetrad.Transportf("allreduce",
			"rank %d contributed twice to collective %q/%q", e.rank, group.Name, tag)
		close(s.done)
	}
	if s.err == nil {
		s.contribs[memberIdx] = append([]float32{}, t.Data...)
		s.arrived++
		if s.arrived == s.need {
			s.reduce()
			close(s.done)
		}
	}
	f.mu.Unlock()

	<-s.done

	f.mu.Lock()
	err := s.err
	result := s.result
	s.delivered++
	if s.delivered == s.need {
		delete(f.sessions, key)
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	copy(t.Data, result)
	return nil
}

// Barrier blocks until every member of the group has entered it.
func (e *Endpoint) Barrier(group tetrad.Group) error {
	token := tetrad.NewTensor(1)
	return e.AllReduce("barrier", token, group)
}

func (e *Endpoint) nextSeq(group, tag string) uint64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()

	key := group + "|" + tag
	seq := e.seqs[key]
	e.seqs[key]++
	return seq
}

// reduce sums contributions member by member in ascending order. Callers
// hold the fabric lock.
func (s *collectiveSession) reduce() {
	s.result = make([]float32, len(s.contribs[0]))
	for _, contrib := range s.contribs {
		for i, v := range contrib {
			s.result[i] += v
		}
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, d := range a {
		if b[i] != d {
			return false
		}
	}
	return true
}
