package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/unixpickle/anyasr/seq2seq"
	"github.com/unixpickle/anyvec"
)

// A Reporter exports training progress as prometheus
// metrics.
type Reporter struct {
	Loss         *prometheus.GaugeVec
	Metric       *prometheus.GaugeVec
	LearningRate prometheus.Gauge
	GradNorm     prometheus.Gauge
	Epoch        prometheus.Gauge
	Steps        prometheus.Counter
	Skipped      prometheus.Counter
}

// NewReporter creates a Reporter and registers its
// metrics with reg.
func NewReporter(reg prometheus.Registerer) (*Reporter, error) {
	r := &Reporter{
		Loss: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "anyasr",
				Subsystem: "train",
				Name:      "loss",
				Help:      "The most recent loss of each data set and task.",
			},
			[]string{"set", "task"},
		),
		Metric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "anyasr",
				Subsystem: "train",
				Name:      "metric",
				Help:      "The most recent evaluation metric of each data set.",
			},
			[]string{"set"},
		),
		LearningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anyasr",
			Subsystem: "train",
			Name:      "learning_rate",
			Help:      "The current learning rate.",
		}),
		GradNorm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anyasr",
			Subsystem: "train",
			Name:      "grad_norm",
			Help:      "The gradient norm of the last step, before clipping.",
		}),
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anyasr",
			Subsystem: "train",
			Name:      "epoch",
			Help:      "The fractional number of completed epochs.",
		}),
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anyasr",
			Subsystem: "train",
			Name:      "steps_total",
			Help:      "The total number of optimizer steps.",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anyasr",
			Subsystem: "train",
			Name:      "skipped_batches_total",
			Help:      "The total number of batches which could not be used.",
		}),
	}
	for _, c := range []prometheus.Collector{r.Loss, r.Metric, r.LearningRate, r.GradNorm,
		r.Epoch, r.Steps, r.Skipped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ReportLoss records the components of a loss.
// A nil Reporter does nothing.
func (r *Reporter) ReportLoss(set string, l *seq2seq.Loss) {
	if r == nil {
		return
	}
	r.Loss.WithLabelValues(set, "total").Set(resValue(l.Total))
	reportTask := func(task string, t *seq2seq.TaskLoss) {
		r.Loss.WithLabelValues(set, task+"_xe").Set(resValue(t.XE))
		if t.CTC != nil {
			r.Loss.WithLabelValues(set, task+"_ctc").Set(resValue(t.CTC))
		}
	}
	reportTask("main", l.Main)
	if l.Sub != nil {
		reportTask("sub", l.Sub)
	}
}

// ReportStep records a finished optimizer step.
func (r *Reporter) ReportStep(learningRate, gradNorm, epoch float64) {
	if r == nil {
		return
	}
	r.Steps.Inc()
	r.LearningRate.Set(learningRate)
	r.GradNorm.Set(gradNorm)
	r.Epoch.Set(epoch)
}

// ReportMetric records an evaluation result.
func (r *Reporter) ReportMetric(set string, value float64) {
	if r == nil {
		return
	}
	r.Metric.WithLabelValues(set).Set(value)
}

// ReportSkipped records a batch that was skipped.
func (r *Reporter) ReportSkipped() {
	if r == nil {
		return
	}
	r.Skipped.Inc()
}

func resValue(r interface{ Output() anyvec.Vector }) float64 {
	return numericFloat(anyvec.Sum(r.Output()))
}

func numericFloat(n anyvec.Numeric) float64 {
	switch n := n.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		panic("unsupported numeric type")
	}
}
