// Command setbench is a thin driver: it takes a thread count on the
// command line, starts that many workers against one Set, barrier-starts
// them with a spin counter, and prints one accumulated integer. No flag
// library, no config file, no stdout report beyond that integer.
package main

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/zeebo/qsbrset/hashset"
)

const perThread = 1 << 16

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: setbench <thread-count>")
		os.Exit(1)
	}
	n, err := strconv.Atoi(os.Args[1])
	if err != nil || n <= 0 {
		fmt.Fprintln(os.Stderr, "usage: setbench <thread-count>")
		os.Exit(1)
	}

	s := hashset.New(func(k int) uint64 { return uint64(k) }, 1024)
	tids := make([]uint64, n)
	for i := range tids {
		tids[i] = s.RegisterThread()
	}

	var ready atomic.Int64
	var total atomic.Int64

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()

			ready.Add(1)
			for ready.Load() != int64(n) {
				// spin until every worker has reached the barrier
			}

			tid := tids[i]
			base := i * perThread
			count := 0
			for k := base; k < base+perThread; k++ {
				if !s.Insert(k, tid) {
					count++
				}
			}
			for k := base; k < base+perThread; k++ {
				if s.Find(k, tid, false) {
					count++
				}
			}
			total.Add(int64(count))
		}()
	}
	wg.Wait()

	fmt.Println(total.Load())
}
