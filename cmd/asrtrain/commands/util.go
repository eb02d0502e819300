package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/dataset"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/rip"
	"go.uber.org/zap"
)

// These files are written to every run directory.
const (
	configFile   = "config.yml"
	dictFile     = "dict.txt"
	subDictFile  = "dict_sub.txt"
	trainLogFile = "train.log"
)

// readVocab reads a dictionary.
// An empty path gives a nil Vocab.
func readVocab(path string) (*anyasr.Vocab, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	v, err := anyasr.ReadVocab(f)
	if err != nil {
		return nil, essentials.AddCtx(path, err)
	}
	return v, nil
}

func writeVocab(path string, v *anyasr.Vocab) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := v.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newLogger(logPath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if logPath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}
	return cfg.Build()
}

// interruptContext returns a context which is cancelled
// on the first interrupt.
func interruptContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	r := rip.NewRIP()
	go func() {
		select {
		case <-r.Chan():
			logger.Info("interrupted, stopping")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// setName names an evaluation set after its file.
func setName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func loadSet(ctx context.Context, paths []string, vocab, subVocab *anyasr.Vocab,
	cfg dataset.Config, logger *zap.Logger) (*dataset.Set, error) {
	utts, err := dataset.LoadFiles(ctx, paths, logger)
	if err != nil {
		return nil, err
	}
	return dataset.NewSet(utts, vocab, subVocab, cfg)
}
