package tetrad

// A Group names a communication group and lists its member ranks in
// ascending order. Every member must construct the identical group (same
// name, same member list) or collectives silently corrupt training; the
// topology package is the single source of truth for group derivation.
type Group struct {
	Name  string
	Ranks []int
}

// Size returns the number of member ranks.
func (g Group) Size() int {
	return len(g.Ranks)
}

// Contains reports whether rank is a member of the group.
func (g Group) Contains(rank int) bool {
	for _, r := range g.Ranks {
		if r == rank {
			return true
		}
	}
	return false
}

// Transport is the collective-communication collaborator. Implementations
// are assumed reliable and ordered per (source, destination) pair. All calls
// block until the operation completes; there is no cancellation, timeout, or
// retry, so a failed call is a fatal TransportError.
type Transport interface {
	// Send delivers a copy of the tensor to dst, which must be a member of
	// the group.
	Send(t *Tensor, dst int, group Group) error

	// Recv blocks until the next tensor from src arrives and copies it into
	// buf. The received tensor must match buf's shape.
	Recv(buf *Tensor, src int, group Group) error

	// AllReduce sums the tensor element-wise across all members of the group
	// and replaces t's data with the result on every member. Concurrent
	// collectives on the same group are matched by tag, so all members must
	// use the same tag for the same logical operation.
	AllReduce(tag string, t *Tensor, group Group) error

	// Barrier blocks until every member of the group has entered it.
	Barrier(group Group) error
}
