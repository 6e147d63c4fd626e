// Package collective provides the scalar reduction primitives that run on
// top of a tetrad.Transport. They operate on values that are not gradients
// and therefore bypass the bucketed gradient synchronizer.
package collective

import (
	"github.com/pkg/errors"

	"github.com/tinyscale/tetrad"
	"github.com/tinyscale/tetrad/topology"
)

// lossTag names the loss all-reduce so it never collides with an in-flight
// gradient bucket collective on the same group.
const lossTag = "loss"

// AllReduceLoss averages a per-rank scalar loss over the combined
// context+data group, so every replica reports the loss of the full global
// batch rather than of its own shard. When the group has a single member
// the loss is returned unchanged and no communication happens.
func AllReduceLoss(loss float64, topo *topology.Topology, transport tetrad.Transport) (float64, error) {
	group := topo.ContextDataGroup()
	if group.Size() == 1 {
		return loss, nil
	}

	t := tetrad.NewTensor(1)
	t.Data[0] = float32(loss)
	if err := transport.AllReduce(lossTag, t, group); err != nil {
		return 0, errors.Wrap(err, "all-reduce loss")
	}

	return float64(t.Data[0]) / float64(group.Size()), nil
}
