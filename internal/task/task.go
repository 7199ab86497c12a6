// Package task wraps a long-running build or install operation on a
// background goroutine and streams progress events back over a channel,
// replacing the original implementation's Qt signal/slot pair
// (currentProgress, currentFile, finished) with a single typed channel.
package task

import "context"

// Progress reports one step of a Builder/Installer operation.
type Progress struct {
	Filename string
	// Percent is the overall completion percentage, 0 to 100.
	Percent int
	// Index is the zero-based position of Filename among the files being
	// processed.
	Index int
}

// Result is sent once, after fn returns, carrying its error (nil on
// success).
type Result struct {
	Err error
}

// Run starts fn on a new goroutine, passing it a report callback that
// sends Progress values on the first returned channel. After fn returns,
// its error is sent as one Result on the second channel, and then both
// channels are closed; callers range over the progress channel and then
// receive the Result. ctx does not stop fn: once ctx is canceled, report
// may drop Progress values and the Result may be dropped too, in which
// case a receive from the closed result channel yields the zero Result.
func Run(ctx context.Context, fn func(report func(Progress)) error) (<-chan Progress, <-chan Result) {
	progress := make(chan Progress, 16)
	result := make(chan Result, 1)

	go func() {
		defer close(progress)
		defer close(result)

		report := func(p Progress) {
			select {
			case progress <- p:
			case <-ctx.Done():
			}
		}

		err := fn(report)
		select {
		case result <- Result{Err: err}:
		case <-ctx.Done():
		}
	}()

	return progress, result
}
