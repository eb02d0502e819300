package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v2"
	"github.com/spf13/cobra"
	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/config"
	"github.com/unixpickle/anyasr/dataset"
	"github.com/unixpickle/anyasr/seq2seq"
	"github.com/unixpickle/anyasr/train"
	"github.com/unixpickle/essentials"
	"go.uber.org/zap"
)

var (
	flagConfig   string
	flagResume   bool
	flagProgress bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model",
	Long: `Train a model and save the best checkpoint to <model_dir>/<job_name>.

Settings are read from the defaults, then the YAML file given by --config,
then any flags.

Example:
  asrtrain train --config config.yml --batch_size 16 --job_name baseline`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&flagConfig, "config", "", "YAML configuration file")
	trainCmd.Flags().BoolVar(&flagResume, "resume", false, "Resume from the run directory's checkpoint")
	trainCmd.Flags().BoolVar(&flagProgress, "progress", true, "Show a progress bar for each epoch")
	config.AddFlags(trainCmd.Flags())
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.TrainFiles) == 0 {
		return errors.New("no training files")
	}
	if cfg.JobName == "" {
		cfg.JobName = uuid.New().String()[:8]
	}
	runDir := filepath.Join(cfg.ModelDir, cfg.JobName)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return err
	}
	logger, err := newLogger(filepath.Join(runDir, trainLogFile))
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := interruptContext(logger)
	defer cancel()

	logger.Info("starting run", zap.String("job", cfg.JobName), zap.String("dir", runDir))
	if err := trainRun(ctx, cfg, runDir, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("training stopped")
			return nil
		}
		logger.Error("training failed", zap.Error(err))
		return err
	}
	return nil
}

func trainRun(ctx context.Context, cfg *config.Config, runDir string,
	logger *zap.Logger) error {
	vocab, err := readVocab(cfg.Dict)
	if err != nil {
		return err
	} else if vocab == nil {
		return errors.New("no dictionary")
	}
	subVocab, err := readVocab(cfg.SubDict)
	if err != nil {
		return err
	}

	if err := cfg.Save(filepath.Join(runDir, configFile)); err != nil {
		return err
	}
	if err := writeVocab(filepath.Join(runDir, dictFile), vocab); err != nil {
		return err
	}
	if subVocab != nil {
		if err := writeVocab(filepath.Join(runDir, subDictFile), subVocab); err != nil {
			return err
		}
	}

	d, err := newDriver(cfg, runDir, vocab, subVocab, logger)
	if err != nil {
		return err
	}
	if err := loadData(ctx, cfg, d, vocab, subVocab, logger); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	d.Reporter, err = train.NewReporter(reg)
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	}
	if flagProgress {
		d.OnStep = progressFunc(d.Train.Len())
	}
	return d.Run(ctx)
}

func newDriver(cfg *config.Config, runDir string, vocab, subVocab *anyasr.Vocab,
	logger *zap.Logger) (*train.Driver, error) {
	if flagResume {
		m, state, err := train.LoadCheckpoint(runDir)
		if err != nil {
			return nil, err
		}
		d, err := train.NewDriver(cfg, m)
		if err != nil {
			return nil, err
		}
		if err := d.Resume(state); err != nil {
			return nil, err
		}
		logger.Info("resumed", zap.Int("epoch", state.Epoch), zap.Int("step", state.Step))
		d.Dir = runDir
		d.Logger = logger
		return d, nil
	}

	c, err := cfg.Creator()
	if err != nil {
		return nil, err
	}
	var subClasses int
	if subVocab != nil {
		subClasses = subVocab.NumClasses()
	}
	modelCfg, err := cfg.Model(vocab.NumClasses(), subClasses)
	if err != nil {
		return nil, err
	}
	m, err := seq2seq.New(c, modelCfg)
	if err != nil {
		return nil, err
	}
	d, err := train.NewDriver(cfg, m)
	if err != nil {
		return nil, err
	}
	d.Dir = runDir
	d.Logger = logger
	return d, nil
}

func loadData(ctx context.Context, cfg *config.Config, d *train.Driver, vocab,
	subVocab *anyasr.Vocab, logger *zap.Logger) error {
	trainUtts, err := dataset.LoadFiles(ctx, cfg.TrainFiles, logger)
	if err != nil {
		return essentials.AddCtx("load training data", err)
	}
	var devUtts []*dataset.Utterance
	if len(cfg.DevFiles) > 0 {
		devUtts, err = dataset.LoadFiles(ctx, cfg.DevFiles, logger)
		if err != nil {
			return essentials.AddCtx("load dev data", err)
		}
	} else {
		var trainList dataset.UtteranceList
		trainList, devUtts = dataset.Split(trainUtts, cfg.DevRatio)
		trainUtts = trainList
	}
	logger.Info("loaded data", zap.Int("train", len(trainUtts)), zap.Int("dev", len(devUtts)))

	if d.Train, err = dataset.NewSet(trainUtts, vocab, subVocab, cfg.Dataset(true)); err != nil {
		return essentials.AddCtx("training set", err)
	}
	if d.Dev, err = dataset.NewSet(devUtts, vocab, subVocab, cfg.Dataset(false)); err != nil {
		return essentials.AddCtx("dev set", err)
	}
	if d.DevLoss, err = dataset.NewSet(devUtts, vocab, subVocab, cfg.Dataset(true)); err != nil {
		return essentials.AddCtx("dev set", err)
	}

	d.Eval = map[string]dataset.Iterator{}
	for _, path := range cfg.EvalFiles {
		set, err := loadSet(ctx, []string{path}, vocab, subVocab, cfg.Dataset(false), logger)
		if err != nil {
			return essentials.AddCtx("load eval data", err)
		}
		d.Eval[setName(path)] = set
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry,
	logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server failed", zap.Error(err))
		}
	}()
}

// progressFunc shows one progress bar per pass over
// numUtts utterances.
func progressFunc(numUtts int) func(int) {
	bar := progressbar.NewOptions(numUtts, progressbar.OptionSetWriter(os.Stderr))
	var done int
	return func(n int) {
		done += n
		if done >= numUtts {
			bar.Finish()
			bar = progressbar.NewOptions(numUtts, progressbar.OptionSetWriter(os.Stderr))
			done = 0
			return
		}
		bar.Add(n)
	}
}
