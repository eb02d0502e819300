package encoder

import "fmt"

// SpliceStack prepares raw acoustic frames for an
// encoder.
//
// Each frame is first spliced with its (splice-1)/2
// neighbors on either side, repeating the edge frames
// where neighbors are missing.
// Then every stack consecutive spliced frames are joined
// into one frame, so the result has ceil(len/stack)
// frames; a trailing partial group is padded by repeating
// its last frame.
func SpliceStack(frames [][]float64, splice, stack int) [][]float64 {
	if splice < 1 || splice%2 == 0 {
		panic(fmt.Sprintf("invalid splice: %d", splice))
	}
	if stack < 1 {
		panic(fmt.Sprintf("invalid stack: %d", stack))
	}
	if len(frames) == 0 {
		return nil
	}
	context := (splice - 1) / 2
	spliced := make([][]float64, len(frames))
	for t := range frames {
		var joined []float64
		for offset := -context; offset <= context; offset++ {
			joined = append(joined, frames[clampIndex(t+offset, len(frames))]...)
		}
		spliced[t] = joined
	}
	if stack == 1 {
		return spliced
	}
	var res [][]float64
	for t := 0; t < len(spliced); t += stack {
		var joined []float64
		for i := t; i < t+stack; i++ {
			joined = append(joined, spliced[clampIndex(i, len(spliced))]...)
		}
		res = append(res, joined)
	}
	return res
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	} else if i >= n {
		return n - 1
	}
	return i
}
