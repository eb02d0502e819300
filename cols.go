package anyasr

import (
	"fmt"

	"github.com/unixpickle/anydiff"
)

// SplitCols splits a row-major matrix into column blocks.
//
// The matrix has the given number of rows, and block i
// has widths[i] columns.
// The result is a list of row-major matrices, one per
// block.
func SplitCols(m anydiff.Res, rows int, widths ...int) []anydiff.Res {
	total := sumInts(widths)
	if total*rows != m.Output().Len() {
		panic(fmt.Sprintf("matrix size %d does not match %d rows of %d columns",
			m.Output().Len(), rows, total))
	}
	res := make([]anydiff.Res, len(widths))
	if len(widths) == 1 {
		res[0] = m
		return res
	}
	var offset int
	if rows == 1 {
		for i, w := range widths {
			res[i] = anydiff.Slice(m, offset, offset+w)
			offset += w
		}
		return res
	}
	transposed := anydiff.Transpose(&anydiff.Matrix{Data: m, Rows: rows, Cols: total})
	for i, w := range widths {
		block := &anydiff.Matrix{
			Data: anydiff.Slice(transposed.Data, offset*rows, (offset+w)*rows),
			Rows: w,
			Cols: rows,
		}
		res[i] = anydiff.Transpose(block).Data
		offset += w
	}
	return res
}

// JoinCols is the inverse of SplitCols.
// It joins row-major matrices with the same number of
// rows side by side.
func JoinCols(rows int, blocks []anydiff.Res, widths []int) anydiff.Res {
	if len(blocks) != len(widths) {
		panic("block count must match width count")
	}
	if len(blocks) == 1 {
		return blocks[0]
	}
	if rows == 1 {
		return anydiff.Concat(blocks...)
	}
	transposed := make([]anydiff.Res, len(blocks))
	for i, b := range blocks {
		if b.Output().Len() != rows*widths[i] {
			panic(fmt.Sprintf("block %d should have %d components but has %d",
				i, rows*widths[i], b.Output().Len()))
		}
		transposed[i] = anydiff.Transpose(&anydiff.Matrix{
			Data: b,
			Rows: rows,
			Cols: widths[i],
		}).Data
	}
	joined := &anydiff.Matrix{
		Data: anydiff.Concat(transposed...),
		Rows: sumInts(widths),
		Cols: rows,
	}
	return anydiff.Transpose(joined).Data
}

// Rows splits a row-major matrix into its rows.
func Rows(m anydiff.Res, rows int) []anydiff.Res {
	if rows == 0 {
		return nil
	}
	width := m.Output().Len() / rows
	res := make([]anydiff.Res, rows)
	for i := range res {
		res[i] = anydiff.Slice(m, i*width, (i+1)*width)
	}
	return res
}

func sumInts(x []int) int {
	var res int
	for _, v := range x {
		res += v
	}
	return res
}
