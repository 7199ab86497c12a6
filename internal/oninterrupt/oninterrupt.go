// Package oninterrupt lets a long-running CLI command register cleanup
// callbacks that run on SIGINT, so a build or install interrupted
// mid-write can remove its partial output instead of leaving a
// half-written archive behind.
package oninterrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	mu        sync.Mutex
	callbacks []func()
)

func init() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		sig := <-c
		mu.Lock()
		for _, f := range callbacks {
			f()
		}
		mu.Unlock()
		if s, ok := sig.(syscall.Signal); ok {
			os.Exit(128 + int(s))
		}
		os.Exit(1)
	}()
}

// Register adds cb to the set of functions run once, in registration
// order, when the process receives SIGINT.
func Register(cb func()) {
	mu.Lock()
	defer mu.Unlock()
	callbacks = append(callbacks, cb)
}
