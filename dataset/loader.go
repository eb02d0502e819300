package dataset

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"runtime"

	"github.com/unixpickle/essentials"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WriteFile writes utterances to a file as a stream of
// msgpack objects.
func WriteFile(path string, utts []*Utterance) error {
	if err := writeFile(path, utts); err != nil {
		return essentials.AddCtx("write utterances", err)
	}
	return nil
}

func writeFile(path string, utts []*Utterance) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := msgpack.NewEncoder(w)
	for _, u := range utts {
		if err := enc.Encode(u); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a file written by WriteFile.
func ReadFile(path string) ([]*Utterance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, essentials.AddCtx("read utterances", err)
	}
	defer f.Close()
	var utts []*Utterance
	dec := msgpack.NewDecoder(bufio.NewReader(f))
	for {
		var u Utterance
		if err := dec.Decode(&u); err != nil {
			if errors.Is(err, io.EOF) {
				return utts, nil
			}
			return nil, essentials.AddCtx("read utterances: "+path, err)
		}
		utts = append(utts, &u)
	}
}

// LoadFiles reads several files in parallel and
// concatenates their utterances in order.
func LoadFiles(ctx context.Context, paths []string, logger *zap.Logger) ([]*Utterance,
	error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	results := make([][]*Utterance, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			utts, err := ReadFile(path)
			if err != nil {
				return err
			}
			logger.Debug("loaded utterances", zap.String("path", path),
				zap.Int("count", len(utts)))
			results[i] = utts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var res []*Utterance
	for _, r := range results {
		res = append(res, r...)
	}
	return res, nil
}
