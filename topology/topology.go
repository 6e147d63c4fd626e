// Package topology derives, from a global rank and the four requested
// parallelism degrees, the per-axis coordinates, communication groups, and
// pipeline neighbors of one worker process. The topology is immutable after
// construction and is the single source of truth for "who talks to whom".
package topology

import (
	"fmt"

	"github.com/tinyscale/tetrad"
)

// An Axis identifies one of the four parallelism dimensions. The declaration
// order is the mixed-radix decomposition order of global ranks and is a
// system-wide contract: AxisTensor varies fastest and AxisData slowest.
// Every group-derivation function uses this order; changing it desynchronizes
// group membership across ranks without any error being raised.
type Axis int

// The four parallelism axes, fastest-varying first.
const (
	AxisTensor Axis = iota
	AxisContext
	AxisPipeline
	AxisData

	// NumAxes is the number of parallelism axes.
	NumAxes = 4
)

// String returns the short name of the axis.
func (a Axis) String() string {
	switch a {
	case AxisTensor:
		return "tensor"
	case AxisContext:
		return "context"
	case AxisPipeline:
		return "pipeline"
	case AxisData:
		return "data"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// A Config carries the arguments of topology construction.
type Config struct {
	GlobalRank int
	WorldSize  int

	TensorSize   int
	ContextSize  int
	PipelineSize int
	DataSize     int
}

// A Topology is the immutable per-process snapshot of the 4D process grid.
// It is safe to share across all components of a process without locking.
type Topology struct {
	globalRank int
	worldSize  int

	sizes  [NumAxes]int
	coords [NumAxes]int

	groups           [NumAxes]tetrad.Group
	contextDataGroup tetrad.Group

	prevPipelineRank int
	nextPipelineRank int
}

// New constructs the topology snapshot for one rank. It fails with a
// ConfigurationError if the product of the four degrees does not equal the
// world size, if any degree is smaller than one, or if the rank is out of
// range.
func New(cfg Config) (*Topology, error) {
	sizes := [NumAxes]int{
		AxisTensor:   cfg.TensorSize,
		AxisContext:  cfg.ContextSize,
		AxisPipeline: cfg.PipelineSize,
		AxisData:     cfg.DataSize,
	}

	product := 1
	for ax := Axis(0); ax < NumAxes; ax++ {
		if sizes[ax] < 1 {
			return nil, tetrad.Configurationf(
				"%s parallel size must be at least 1, got %d", ax, sizes[ax])
		}
		product *= sizes[ax]
	}
	if product != cfg.WorldSize {
		return nil, tetrad.Configurationf(
			"world size %d does not equal tensor*context*pipeline*data = %d*%d*%d*%d = %d",
			cfg.WorldSize,
			sizes[AxisTensor], sizes[AxisContext],
			sizes[AxisPipeline], sizes[AxisData],
			product)
	}
	if cfg.GlobalRank < 0 || cfg.GlobalRank >= cfg.WorldSize {
		return nil, tetrad.Configurationf(
			"global rank %d out of range [0, %d)", cfg.GlobalRank, cfg.WorldSize)
	}

	t := &Topology{
		globalRank: cfg.GlobalRank,
		worldSize:  cfg.WorldSize,
		sizes:      sizes,
		coords:     decompose(cfg.GlobalRank, sizes),
	}

	if compose(t.coords, sizes) != cfg.GlobalRank {
		tetrad.Invariantf(
			"axis decomposition of rank %d does not recompose: coords %v",
			cfg.GlobalRank, t.coords)
	}

	for ax := Axis(0); ax < NumAxes; ax++ {
		t.groups[ax] = t.deriveAxisGroup(ax)
	}
	t.contextDataGroup = t.deriveContextDataGroup()

	t.prevPipelineRank = -1
	t.nextPipelineRank = -1
	ppGroup := t.groups[AxisPipeline]
	ppRank := t.coords[AxisPipeline]
	if ppRank > 0 {
		t.prevPipelineRank = ppGroup.Ranks[ppRank-1]
	}
	if ppRank < sizes[AxisPipeline]-1 {
		t.nextPipelineRank = ppGroup.Ranks[ppRank+1]
	}

	return t, nil
}

// decompose maps a global rank to its per-axis coordinates in the fixed
// mixed-radix order (tensor fastest, data slowest).
func decompose(rank int, sizes [NumAxes]int) [NumAxes]int {
	var coords [NumAxes]int
	stride := 1
	for ax := Axis(0); ax < NumAxes; ax++ {
		coords[ax] = (rank / stride) % sizes[ax]
		stride *= sizes[ax]
	}
	return coords
}

// compose is the inverse of decompose.
func compose(coords [NumAxes]int, sizes [NumAxes]int) int {
	rank := 0
	stride := 1
	for ax := Axis(0); ax < NumAxes; ax++ {
		rank += coords[ax] * stride
		stride *= sizes[ax]
	}
	return rank
}

// deriveAxisGroup lists the ranks that share all coordinates except the
// given axis, in ascending global-rank order.
func (t *Topology) deriveAxisGroup(axis Axis) tetrad.Group {
	var ranks []int
	for r := 0; r < t.worldSize; r++ {
		coords := decompose(r, t.sizes)
		match := true
		for ax := Axis(0); ax < NumAxes; ax++ {
			if ax != axis && coords[ax] != t.coords[ax] {
				match = false
				break
			}
		}
		if match {
			ranks = append(ranks, r)
		}
	}

	name := axis.String()
	for ax := Axis(0); ax < NumAxes; ax++ {
		if ax != axis {
			name += fmt.Sprintf("/%s%d", ax, t.coords[ax])
		}
	}

	return tetrad.Group{Name: name, Ranks: ranks}
}

// deriveContextDataGroup lists the ranks that share the tensor and pipeline
// coordinates, varying context and data. Gradient and loss reduction run
// over this composite group.
func (t *Topology) deriveContextDataGroup() tetrad.Group {
	var ranks []int
	for r := 0; r < t.worldSize; r++ {
		coords := decompose(r, t.sizes)
		if coords[AxisTensor] == t.coords[AxisTensor] &&
			coords[AxisPipeline] == t.coords[AxisPipeline] {
			ranks = append(ranks, r)
		}
	}

	name := fmt.Sprintf("context+data/%s%d/%s%d",
		AxisTensor, t.coords[AxisTensor],
		AxisPipeline, t.coords[AxisPipeline])

	return tetrad.Group{Name: name, Ranks: ranks}
}

// GlobalRank returns the global rank of this process.
func (t *Topology) GlobalRank() int {
	return t.globalRank
}

// WorldSize returns the total number of ranks.
func (t *Topology) WorldSize() int {
	return t.worldSize
}

// Size returns the parallel degree of the given axis.
func (t *Topology) Size(axis Axis) int {
	return t.sizes[axis]
}

// Rank returns this process's coordinate on the given axis.
func (t *Topology) Rank(axis Axis) int {
	return t.coords[axis]
}

// Group returns the communication group of the given axis: the ranks that
// share all other three coordinates with this process.
func (t *Topology) Group(axis Axis) tetrad.Group {
	return t.groups[axis]
}

// ContextDataGroup returns the composite group used for gradient and loss
// reduction: the ranks sharing this process's tensor and pipeline
// coordinates.
func (t *Topology) ContextDataGroup() tetrad.Group {
	return t.contextDataGroup
}

// ContextDataWorldSize returns the size of the composite context+data group.
func (t *Topology) ContextDataWorldSize() int {
	return t.sizes[AxisContext] * t.sizes[AxisData]
}

// PrevPipelineRank returns the global rank of the previous pipeline stage.
// ok is false at the first stage.
func (t *Topology) PrevPipelineRank() (rank int, ok bool) {
	return t.prevPipelineRank, t.prevPipelineRank >= 0
}

// NextPipelineRank returns the global rank of the next pipeline stage.
// ok is false at the last stage.
func (t *Topology) NextPipelineRank() (rank int, ok bool) {
	return t.nextPipelineRank, t.nextPipelineRank >= 0
}

// IsFirstStage reports whether this process runs the first pipeline stage.
func (t *Topology) IsFirstStage() bool {
	return t.coords[AxisPipeline] == 0
}

// IsLastStage reports whether this process runs the last pipeline stage.
func (t *Topology) IsLastStage() bool {
	return t.coords[AxisPipeline] == t.sizes[AxisPipeline]-1
}

// IsReportingRank reports whether this process is the designated reporting
// rank: tensor, data, and context coordinates zero, on the last pipeline
// stage (the stage that owns the loss).
func (t *Topology) IsReportingRank() bool {
	return t.coords[AxisTensor] == 0 &&
		t.coords[AxisData] == 0 &&
		t.coords[AxisContext] == 0 &&
		t.IsLastStage()
}

// String summarizes the process grid, e.g. "tp1-cp1-pp2-dp2/rank3".
func (t *Topology) String() string {
	return fmt.Sprintf("tp%d-cp%d-pp%d-dp%d/rank%d",
		t.sizes[AxisTensor], t.sizes[AxisContext],
		t.sizes[AxisPipeline], t.sizes[AxisData], t.globalRank)
}
