// Package checkpoint persists and restores per-rank training state. Every
// rank saves its own shard of the model (its pipeline stage's parameters)
// plus its optimizer state, so a resumed run must use the same topology as
// the run that saved the checkpoint.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/tinyscale/tetrad"
)

// A State is everything one rank needs to resume training at a step
// boundary.
type State struct {
	Step          int
	TrainedTokens int64
	Params        map[string][]float32
	OptimStep     int
	OptimM        [][]float32
	OptimV        [][]float32
}

// A Store saves and loads per-rank training state at step granularity.
type Store interface {
	Save(st *State, rank int) error
	Load(step, rank int) (*State, error)
	LatestStep() (int, bool, error)
}

// A FileStore keeps checkpoints as gob files laid out as
// <dir>/<step>/rank-<rank>.ckpt.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(step, rank int) string {
	return filepath.Join(s.dir, strconv.Itoa(step), fmt.Sprintf("rank-%d.ckpt", rank))
}

// Save writes the rank's state for st.Step. The file is written to a
// temporary name and renamed so a crashed save never leaves a truncated
// checkpoint behind.
func (s *FileStore) Save(st *State, rank int) error {
	path := s.path(st.Step, rank)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".rank-*.ckpt")
	if err != nil {
		return errors.Wrap(err, "create checkpoint file")
	}
	if err := gob.NewEncoder(tmp).Encode(st); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close checkpoint file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "commit checkpoint file")
	}
	return nil
}

// Load reads the rank's state for the given step.
func (s *FileStore) Load(step, rank int) (*State, error) {
	f, err := os.Open(s.path(step, rank))
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint file")
	}
	defer f.Close()

	st := &State{}
	if err := gob.NewDecoder(f).Decode(st); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	return st, nil
}

// LatestStep returns the highest step number that has a checkpoint
// directory, or false when the store is empty.
func (s *FileStore) LatestStep() (int, bool, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "list checkpoint directory")
	}

	var steps []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if step, err := strconv.Atoi(e.Name()); err == nil {
			steps = append(steps, step)
		}
	}
	if len(steps) == 0 {
		return 0, false, nil
	}
	sort.Ints(steps)
	return steps[len(steps)-1], true, nil
}

// ApplyParams copies checkpointed parameter values into the live
// parameters, matching by name. Every live parameter must be present in
// the state with the same element count.
func ApplyParams(st *State, params []*tetrad.Parameter) error {
	for _, p := range params {
		saved, ok := st.Params[p.Name]
		if !ok {
			return tetrad.Configurationf("checkpoint is missing parameter %q", p.Name)
		}
		if len(saved) != p.NumElems() {
			return tetrad.Configurationf(
				"checkpoint parameter %q has %d elements, want %d",
				p.Name, len(saved), p.NumElems())
		}
		copy(p.Data.Data, saved)
	}
	return nil
}

// CaptureParams snapshots the live parameter values by name.
func CaptureParams(params []*tetrad.Parameter) map[string][]float32 {
	out := make(map[string][]float32, len(params))
	for _, p := range params {
		out[p.Name] = append([]float32(nil), p.Data.Data...)
	}
	return out
}
