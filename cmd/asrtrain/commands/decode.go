package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/unixpickle/anyasr"
	"github.com/unixpickle/anyasr/config"
	"github.com/unixpickle/anyasr/metrics"
	"github.com/unixpickle/anyasr/seq2seq"
	"github.com/unixpickle/anyasr/train"
	"go.uber.org/zap"
)

var (
	flagRunDir    string
	flagFiles     []string
	flagBeamWidth int
	flagMaxLen    int
	flagPrint     bool
	flagCTC       bool
	flagSub       bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode data files with a trained model",
	Long: `Decode data files with the best checkpoint of a run and report
the error rate of each file.

Example:
  asrtrain decode --run_dir models/baseline --files test.msgpack --beam_width 4
  asrtrain decode --run_dir models/hierarchical --files test.msgpack --sub`,
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringVar(&flagRunDir, "run_dir", "", "Run directory created by train")
	decodeCmd.Flags().StringSliceVar(&flagFiles, "files", nil, "Data files to decode")
	decodeCmd.Flags().IntVar(&flagBeamWidth, "beam_width", 0, "Beam width (0 uses the run's setting)")
	decodeCmd.Flags().IntVar(&flagMaxLen, "max_decode_len", 0, "Maximum output length (0 uses the run's setting)")
	decodeCmd.Flags().BoolVar(&flagPrint, "print", false, "Print every hypothesis")
	decodeCmd.Flags().BoolVar(&flagCTC, "ctc", false, "Decode with the CTC output layer")
	decodeCmd.Flags().BoolVar(&flagSub, "sub", false, "Decode the sub-task against its labels")
}

func runDecode(cmd *cobra.Command, args []string) error {
	if flagRunDir == "" || len(flagFiles) == 0 {
		return errors.New("both --run_dir and --files are required")
	}
	logger, err := newLogger("")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := interruptContext(logger)
	defer cancel()

	cfg, err := config.Load(filepath.Join(flagRunDir, configFile), nil)
	if err != nil {
		return err
	}
	if flagBeamWidth > 0 {
		cfg.BeamWidth = flagBeamWidth
	}
	if flagMaxLen > 0 {
		cfg.MaxDecodeLen = flagMaxLen
	}
	unit, err := cfg.ErrorUnit()
	if err != nil {
		return err
	}
	vocab, err := readVocab(filepath.Join(flagRunDir, dictFile))
	if err != nil {
		return err
	}
	m, _, err := train.LoadCheckpoint(flagRunDir)
	if err != nil {
		return err
	}
	task := seq2seq.MainTask
	var subVocab *anyasr.Vocab
	if flagSub {
		if m.Sub == nil {
			return seq2seq.ErrNoSubTask
		}
		task = seq2seq.SubTask
		unit, err = cfg.SubErrorUnit()
		if err != nil {
			return err
		}
		subVocab, err = readVocab(filepath.Join(flagRunDir, subDictFile))
		if err != nil {
			return err
		}
	}

	for _, path := range flagFiles {
		set, err := loadSet(ctx, []string{path}, vocab, subVocab, cfg.Dataset(false), logger)
		if err != nil {
			return err
		}
		scoreVocab := vocab
		if flagSub {
			scoreVocab = subVocab
		}
		var count metrics.ErrorCount
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, last, err := set.Next()
			if err != nil {
				return err
			}
			hyps, err := decodeBatch(m, task, batch.Frames, cfg.BeamWidth, cfg.MaxDecodeLen)
			if err != nil {
				return err
			}
			labels := batch.Labels
			if flagSub {
				labels = batch.SubLabels
			}
			for i, tokens := range hyps {
				ref := scoreVocab.Decode(labels[i])
				hyp := scoreVocab.Decode(tokens)
				count.Add(unit, ref, hyp)
				if flagPrint {
					fmt.Fprintf(os.Stdout, "%s\tref: %s\n%s\thyp: %s\n", batch.IDs[i],
						strings.Join(ref, " "), batch.IDs[i], strings.Join(hyp, " "))
				}
			}
			if last {
				break
			}
		}
		logger.Info("decoded", zap.String("set", setName(path)),
			zap.String("task", task.String()), zap.Int("utterances", set.Len()))
		fmt.Fprintf(os.Stdout, "%s: %s %.2f%%\n", setName(path), unit, count.Rate())
	}
	return nil
}

func decodeBatch(m *seq2seq.Model, task seq2seq.Task, frames [][][]float64, beamWidth,
	maxLen int) ([][]int, error) {
	c := m.Parameters()[0].Vector.Creator()
	in := seq2seq.NewBatch(c, frames, nil, nil).Inputs
	if flagCTC {
		return m.DecodeTaskCTC(in, task, beamWidth)
	}
	decoded, err := m.DecodeTask(in, task, beamWidth, maxLen)
	if err != nil {
		return nil, err
	}
	var res [][]int
	for _, d := range decoded {
		res = append(res, d.Tokens)
	}
	return res, nil
}
