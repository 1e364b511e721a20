package cpu

import "sync"

// parallel splits rows of rowLen elements across the workers. Small jobs
// run on the calling goroutine.
func (b *Backend) parallel(rows, rowLen int, fn func(lo, hi int)) {
	workers := min(b.workers, rows)
	if workers <= 1 || rows*rowLen < b.grain {
		fn(0, rows)
		return
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < rows; lo += chunk {
		hi := min(lo+chunk, rows)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(lo, hi)
		}()
	}
	wg.Wait()
}
