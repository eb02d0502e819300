package train

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/unixpickle/anyasr/anysgd"
	"github.com/unixpickle/anyasr/seq2seq"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// These are the checkpoint file names within a run
// directory.
const (
	ModelFile = "model.bin"
	StateFile = "state.bin"
)

// State is the resumable state of a training run.
type State struct {
	Epoch int
	Step  int

	// Schedule holds the learning rate.
	Schedule anysgd.State

	BestMetric  float64
	NotImproved int

	// ConvertedToSGD is set once the optimizer has been
	// switched to plain SGD.
	ConvertedToSGD bool

	// Optimizer is the marshaled gradient transformer.
	Optimizer []byte
}

// LearningRate returns the current learning rate.
func (s *State) LearningRate() float64 {
	return s.Schedule.LearningRate
}

// SaveCheckpoint writes the model and state to dir.
func SaveCheckpoint(dir string, m *seq2seq.Model, s *State) error {
	if err := saveCheckpoint(dir, m, s); err != nil {
		return essentials.AddCtx("save checkpoint", err)
	}
	return nil
}

func saveCheckpoint(dir string, m *seq2seq.Model, s *State) error {
	if err := serializer.SaveAny(filepath.Join(dir, ModelFile), m); err != nil {
		return err
	}
	var converted serializer.Int
	if s.ConvertedToSGD {
		converted = 1
	}
	data, err := serializer.SerializeAny(
		serializer.Int(s.Epoch),
		serializer.Int(s.Step),
		serializer.Float64(s.Schedule.LearningRate),
		serializer.Float64(s.Schedule.BestMetric),
		serializer.Int(s.Schedule.NotImproved),
		serializer.Float64(s.BestMetric),
		serializer.Int(s.NotImproved),
		converted,
		serializer.Bytes(s.Optimizer),
	)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, StateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, StateFile))
}

// LoadCheckpoint reads a checkpoint written by
// SaveCheckpoint.
func LoadCheckpoint(dir string) (*seq2seq.Model, *State, error) {
	var m *seq2seq.Model
	if err := serializer.LoadAny(filepath.Join(dir, ModelFile), &m); err != nil {
		return nil, nil, essentials.AddCtx("load checkpoint", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		return nil, nil, essentials.AddCtx("load checkpoint", err)
	}
	var epoch, step, schedNotImproved, notImproved, converted serializer.Int
	var lr, schedBest, best serializer.Float64
	var optimizer serializer.Bytes
	err = serializer.DeserializeAny(data, &epoch, &step, &lr, &schedBest, &schedNotImproved,
		&best, &notImproved, &converted, &optimizer)
	if err != nil {
		return nil, nil, essentials.AddCtx("load checkpoint", err)
	}
	if epoch < 0 || step < 0 {
		return nil, nil, errors.New("load checkpoint: corrupt state")
	}
	return m, &State{
		Epoch: int(epoch),
		Step:  int(step),
		Schedule: anysgd.State{
			LearningRate: float64(lr),
			BestMetric:   float64(schedBest),
			NotImproved:  int(schedNotImproved),
		},
		BestMetric:     float64(best),
		NotImproved:    int(notImproved),
		ConvertedToSGD: converted != 0,
		Optimizer:      []byte(optimizer),
	}, nil
}
