package tensor

import (
	"cmp"
	"fmt"
	"slices"
)

type interval struct{ lo, hi int }

// intervals lists the byte ranges touched by t, sorted by start. Rows with a
// unit inner stride collapse into a single range.
func (t *Tensor) intervals() []interval {
	if t.NumElements() == 0 {
		return nil
	}
	es := t.dtype.Size()
	n, stride := t.RowLen()
	rows := t.RowOffsets()
	var out []interval
	if stride == 1 || n == 1 {
		out = make([]interval, 0, len(rows))
		for _, r := range rows {
			out = append(out, interval{r * es, (r + n) * es})
		}
	} else {
		out = make([]interval, 0, len(rows)*n)
		for _, r := range rows {
			for j := range n {
				o := (r + j*stride) * es
				out = append(out, interval{o, o + es})
			}
		}
	}
	slices.SortFunc(out, func(a, b interval) int { return cmp.Compare(a.lo, b.lo) })
	return out
}

// Overlaps reports whether a and b reference at least one common byte of
// the same storage.
func Overlaps(a, b *Tensor) bool {
	if a == nil || b == nil || a.storage != b.storage {
		return false
	}
	alo, ahi := a.span()
	blo, bhi := b.span()
	if alo >= bhi || blo >= ahi {
		return false
	}
	ia, ib := a.intervals(), b.intervals()
	i, j := 0, 0
	for i < len(ia) && j < len(ib) {
		switch {
		case ia[i].hi <= ib[j].lo:
			i++
		case ib[j].hi <= ia[i].lo:
			j++
		default:
			return true
		}
	}
	return false
}

// Disjoint fails with ErrAliasing when dst shares memory with any of srcs.
// Kernels call it before writing dst while reading srcs.
func Disjoint(dst *Tensor, srcs ...*Tensor) error {
	for _, s := range srcs {
		if Overlaps(dst, s) {
			return fmt.Errorf("%w: %v and %v", ErrAliasing, dst, s)
		}
	}
	return nil
}
