package train

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/unixpickle/essentials"
)

// LossLogFile is the name of the loss curve within a run
// directory.
const LossLogFile = "loss.csv"

var lossLogHeader = []string{"step", "epoch", "train_loss", "dev_loss", "learning_rate"}

// A LossLog appends one row per logged step to a CSV
// file.
//
// A nil LossLog discards every row.
type LossLog struct {
	f *os.File
	w *csv.Writer
}

// OpenLossLog opens the loss curve in dir for appending.
// The header is written if the file is new.
func OpenLossLog(dir string) (*LossLog, error) {
	f, err := os.OpenFile(filepath.Join(dir, LossLogFile),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, essentials.AddCtx("open loss log", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, essentials.AddCtx("open loss log", err)
	}
	res := &LossLog{f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := res.writeRow(lossLogHeader); err != nil {
			f.Close()
			return nil, essentials.AddCtx("open loss log", err)
		}
	}
	return res, nil
}

// Write appends a row.
// A NaN devLoss is written as an empty cell.
func (l *LossLog) Write(step int, epoch, trainLoss, devLoss, learningRate float64) error {
	if l == nil {
		return nil
	}
	dev := ""
	if !math.IsNaN(devLoss) {
		dev = formatFloat(devLoss)
	}
	return l.writeRow([]string{
		strconv.Itoa(step),
		formatFloat(epoch),
		formatFloat(trainLoss),
		dev,
		formatFloat(learningRate),
	})
}

// Close closes the underlying file.
func (l *LossLog) Close() error {
	if l == nil {
		return nil
	}
	return l.f.Close()
}

func (l *LossLog) writeRow(row []string) error {
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', 6, 64)
}
