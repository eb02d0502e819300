// Package train runs the epoch loop of a training job.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/unixpickle/anyasr/anysgd"
	"github.com/unixpickle/anyasr/config"
	"github.com/unixpickle/anyasr/dataset"
	"github.com/unixpickle/anyasr/metrics"
	"github.com/unixpickle/anyasr/seq2seq"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"go.uber.org/zap"
)

// These are the supported evaluation metrics.
const (
	MetricLoss         = "loss"
	MetricEditDistance = "edit_distance"
)

// A Driver trains a model until it runs out of epochs,
// stops improving, or is cancelled.
type Driver struct {
	Model *seq2seq.Model

	// Train is the training data.
	Train dataset.Iterator

	// DevLoss, if non-nil, supplies one batch every
	// PrintStep steps for a quick dev loss.
	DevLoss dataset.Iterator

	// Dev is evaluated in full after every epoch.
	Dev dataset.Iterator

	// Eval sets are evaluated whenever the dev metric
	// improves.
	Eval map[string]dataset.Iterator

	Controller  *anysgd.Controller
	Transformer anysgd.TransformMarshaler
	ClipNorm    float64

	Epochs              int
	PrintStep           int
	NotImprovedPatience int
	ConvertToSGDEpoch   int

	// EvalStartEpoch is the first epoch after which the
	// dev set is evaluated.
	// Earlier epochs neither checkpoint nor decay.
	EvalStartEpoch int

	Metric       string
	Unit         metrics.Unit
	BeamWidth    int
	MaxDecodeLen int

	// SubUnit is the unit of the sub-task error rate,
	// which is reported for Eval sets when the model has
	// a sub-task.
	SubUnit metrics.Unit

	// Dir is the checkpoint directory.
	// If it is empty, no checkpoints or loss curves are
	// saved.
	Dir string

	Logger   *zap.Logger
	Reporter *Reporter

	// OnStep, if non-nil, is called after every step with
	// the number of utterances in the batch.
	OnStep func(batchSize int)

	State State

	lossLog *LossLog
}

// NewDriver creates a Driver from a configuration.
// The caller must still set the data iterators.
func NewDriver(cfg *config.Config, m *seq2seq.Model) (*Driver, error) {
	controller, err := cfg.Controller()
	if err != nil {
		return nil, err
	}
	unit, err := cfg.ErrorUnit()
	if err != nil {
		return nil, err
	}
	subUnit, err := cfg.SubErrorUnit()
	if err != nil {
		return nil, err
	}
	d := &Driver{
		Model:               m,
		Controller:          controller,
		Transformer:         cfg.Transformer(m.Parameters()),
		ClipNorm:            cfg.ClipGradNorm,
		Epochs:              cfg.Epochs,
		PrintStep:           cfg.PrintStep,
		NotImprovedPatience: cfg.NotImprovedPatientEpoch,
		ConvertToSGDEpoch:   cfg.ConvertToSGDEpoch,
		EvalStartEpoch:      cfg.EvalStartEpoch,
		Metric:              cfg.Metric,
		Unit:                unit,
		SubUnit:             subUnit,
		BeamWidth:           cfg.BeamWidth,
		MaxDecodeLen:        cfg.MaxDecodeLen,
		Logger:              zap.NewNop(),
	}
	d.Init(cfg.LearningRate)
	return d, nil
}

// Init resets the training state for a fresh run.
func (d *Driver) Init(learningRate float64) {
	d.State = State{
		Schedule:   d.Controller.Start(learningRate),
		BestMetric: math.Inf(1),
	}
}

// Resume continues from a state loaded with
// LoadCheckpoint.
// The Driver's Model must be the checkpointed model.
func (d *Driver) Resume(s *State) error {
	if d.Transformer != nil && s.Optimizer != nil {
		if err := d.Transformer.UnmarshalBinary(s.Optimizer); err != nil {
			return essentials.AddCtx("resume optimizer", err)
		}
	}
	d.State = *s
	return nil
}

// Run trains until Epochs epochs have been completed in
// total, training stops improving, or ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.validate(); err != nil {
		return err
	}
	logger := d.logger()
	c := d.creator()
	trainer := seq2seq.NewTrainer(d.Model)
	sgd := &anysgd.SGD{
		ClipNorm: d.ClipNorm,
		NumSteps: d.State.Step,
	}
	if d.Transformer != nil && !d.State.ConvertedToSGD {
		sgd.Transformer = d.Transformer
	}

	if d.Dir != "" {
		lossLog, err := OpenLossLog(d.Dir)
		if err != nil {
			return err
		}
		d.lossLog = lossLog
		defer func() {
			lossLog.Close()
			d.lossLog = nil
		}()
	}

	train := dataset.Prefetch(ctx, d.Train)
	defer train.Close()

	d.Model.SetTraining(true)
	defer d.Model.SetTraining(false)

	logger.Info("starting training",
		zap.Int("epoch", d.State.Epoch),
		zap.Int("step", d.State.Step),
		zap.Float64("learning_rate", d.State.LearningRate()),
		zap.Int("num_params", numParams(d.Model)))

	for d.State.Epoch < d.Epochs {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, last, err := train.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return essentials.AddCtx("train", err)
		}
		d.step(c, trainer, sgd, batch, train.EpochDetail())
		if last {
			done, err := d.endEpoch(c, trainer, sgd)
			if err != nil || done {
				return err
			}
		}
	}
	logger.Info("finished training", zap.Float64("best_metric", d.State.BestMetric))
	return nil
}

func (d *Driver) validate() error {
	if d.Model == nil || d.Train == nil || d.Dev == nil || d.Controller == nil {
		return errors.New("run training: model, data, and controller are required")
	}
	switch d.Metric {
	case MetricLoss, MetricEditDistance:
	default:
		return fmt.Errorf("run training: unknown metric: %s", d.Metric)
	}
	return nil
}

func (d *Driver) step(c anyvec.Creator, trainer *seq2seq.Trainer, sgd *anysgd.SGD,
	batch *dataset.Batch, epoch float64) {
	b := seq2seq.NewBatch(c, batch.Frames, batch.Labels, batch.SubLabels)
	grad, err := trainer.Gradient(b)
	if err != nil {
		d.logger().Warn("skipping batch", zap.Strings("ids", batch.IDs), zap.Error(err))
		d.Reporter.ReportSkipped()
		return
	}
	d.State.Step++
	d.State.Schedule = d.Controller.Warmup(d.State.Schedule, d.State.Step)
	norm := sgd.Step(grad, d.State.LearningRate())

	d.Reporter.ReportLoss("train", trainer.LastLoss)
	d.Reporter.ReportStep(d.State.LearningRate(), norm, epoch)
	if d.OnStep != nil {
		d.OnStep(len(batch.IDs))
	}

	if d.PrintStep > 0 && d.State.Step%d.PrintStep == 0 {
		fields := []zap.Field{
			zap.Int("step", d.State.Step),
			zap.Float64("epoch", epoch),
			zap.Float64("train_loss", numericFloat(trainer.LastCost)),
			zap.Float64("learning_rate", d.State.LearningRate()),
			zap.Float64("grad_norm", norm),
		}
		devLoss := math.NaN()
		if d.DevLoss != nil {
			var err error
			devLoss, err = d.devLoss(c)
			if err != nil {
				d.logger().Warn("dev loss failed", zap.Error(err))
				devLoss = math.NaN()
			} else {
				fields = append(fields, zap.Float64("dev_loss", devLoss))
			}
		}
		d.logger().Info("step", fields...)
		err := d.lossLog.Write(d.State.Step, epoch, numericFloat(trainer.LastCost), devLoss,
			d.State.LearningRate())
		if err != nil {
			d.logger().Warn("loss log failed", zap.Error(err))
		}
	}
}

func (d *Driver) devLoss(c anyvec.Creator) (float64, error) {
	batch, _, err := d.DevLoss.Next()
	if err != nil {
		return 0, err
	}
	d.Model.SetTraining(false)
	defer d.Model.SetTraining(true)
	loss, err := d.Model.Loss(seq2seq.NewBatch(c, batch.Frames, batch.Labels,
		batch.SubLabels))
	if err != nil {
		return 0, err
	}
	d.Reporter.ReportLoss("dev", loss)
	return resValue(loss.Total), nil
}

func (d *Driver) endEpoch(c anyvec.Creator, trainer *seq2seq.Trainer,
	sgd *anysgd.SGD) (done bool, err error) {
	logger := d.logger()
	d.State.Epoch++

	if d.State.Epoch < d.EvalStartEpoch {
		logger.Info("skipping evaluation", zap.Int("epoch", d.State.Epoch),
			zap.Int("eval_start_epoch", d.EvalStartEpoch))
		d.convertToSGD(sgd)
		return false, nil
	}

	d.Model.SetTraining(false)
	defer d.Model.SetTraining(true)

	metric, err := d.evaluate(c, trainer, d.Dev)
	if err != nil {
		return false, essentials.AddCtx("evaluate dev", err)
	}
	d.Reporter.ReportMetric("dev", metric)
	d.State.Schedule = d.Controller.Decay(d.State.Schedule, d.State.Epoch, metric)

	if metric < d.State.BestMetric {
		logger.Info("dev improved",
			zap.Int("epoch", d.State.Epoch),
			zap.String("metric", d.Metric),
			zap.Float64("value", metric),
			zap.Float64("previous", d.State.BestMetric))
		d.State.BestMetric = metric
		d.State.NotImproved = 0
		if err := d.checkpoint(); err != nil {
			return false, err
		}
		if err := d.evaluateAll(c, trainer); err != nil {
			return false, err
		}
	} else {
		d.State.NotImproved++
		logger.Info("dev not improved",
			zap.Int("epoch", d.State.Epoch),
			zap.String("metric", d.Metric),
			zap.Float64("value", metric),
			zap.Float64("best", d.State.BestMetric),
			zap.Int("not_improved", d.State.NotImproved))
	}

	if d.NotImprovedPatience > 0 && d.State.NotImproved >= d.NotImprovedPatience {
		logger.Info("stopping early", zap.Int("epoch", d.State.Epoch))
		return true, nil
	}
	d.convertToSGD(sgd)
	return false, nil
}

func (d *Driver) convertToSGD(sgd *anysgd.SGD) {
	if d.ConvertToSGDEpoch > 0 && d.State.Epoch >= d.ConvertToSGDEpoch &&
		!d.State.ConvertedToSGD {
		sgd.Transformer = nil
		d.State.ConvertedToSGD = true
		d.logger().Info("converted to SGD", zap.Int("epoch", d.State.Epoch))
	}
}

func (d *Driver) evaluateAll(c anyvec.Creator, trainer *seq2seq.Trainer) error {
	var names []string
	for name := range d.Eval {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := d.evaluate(c, trainer, d.Eval[name])
		if err != nil {
			return essentials.AddCtx("evaluate "+name, err)
		}
		d.Reporter.ReportMetric(name, value)
		d.logger().Info("evaluated", zap.String("set", name),
			zap.String("metric", d.Metric), zap.Float64("value", value))

		if d.Model.Sub == nil || d.Eval[name].SubVocab() == nil {
			continue
		}
		subRate, err := metrics.EvalTaskErrorRate(d.Model, seq2seq.SubTask, d.Eval[name],
			d.SubUnit, d.BeamWidth, d.MaxDecodeLen)
		if err != nil {
			return essentials.AddCtx("evaluate "+name+" sub-task", err)
		}
		d.Reporter.ReportMetric(name+"_sub", subRate)
		d.logger().Info("evaluated", zap.String("set", name),
			zap.String("task", seq2seq.SubTask.String()),
			zap.String("metric", d.SubUnit.String()), zap.Float64("value", subRate))
	}
	return nil
}

func (d *Driver) evaluate(c anyvec.Creator, trainer *seq2seq.Trainer,
	it dataset.Iterator) (float64, error) {
	if d.Metric == MetricEditDistance {
		return metrics.EvalErrorRate(d.Model, it, d.Unit, d.BeamWidth, d.MaxDecodeLen)
	}
	return metrics.EvalLoss(c, trainer, it)
}

func (d *Driver) checkpoint() error {
	if d.Dir == "" {
		return nil
	}
	d.State.Optimizer = nil
	if d.Transformer != nil {
		data, err := d.Transformer.MarshalBinary()
		if err != nil {
			return essentials.AddCtx("save checkpoint", err)
		}
		d.State.Optimizer = data
	}
	if err := SaveCheckpoint(d.Dir, d.Model, &d.State); err != nil {
		return err
	}
	d.logger().Info("saved checkpoint", zap.String("dir", d.Dir), zap.Int("epoch", d.State.Epoch))
	return nil
}

func (d *Driver) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Driver) creator() anyvec.Creator {
	return d.Model.Parameters()[0].Vector.Creator()
}

func numParams(m *seq2seq.Model) int {
	var n int
	for _, p := range m.Parameters() {
		n += p.Vector.Len()
	}
	return n
}
