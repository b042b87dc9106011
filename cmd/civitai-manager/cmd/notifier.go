package cmd

import (
	"fmt"
	"sync"

	"github.com/gosuri/uilive"

	"go-civitai-manager/internal/helpers"
	"go-civitai-manager/internal/scheduler"
)

// consoleNotifier renders download lifecycle events on a uilive writer and
// tallies settled submissions. Settling never blocks, so the scheduler
// goroutine is never held up by the command layer; callers register each
// submission with expect() and collect the outcome counts with wait().
type consoleNotifier struct {
	writer *uilive.Writer

	pending   sync.WaitGroup
	mu        sync.Mutex
	succeeded int
	failed    int
}

func newConsoleNotifier() *consoleNotifier {
	w := uilive.New()
	w.Start()
	return &consoleNotifier{writer: w}
}

func (n *consoleNotifier) stop() {
	n.writer.Stop()
}

// expect registers one submission. Call before the scheduler can settle it.
func (n *consoleNotifier) expect() {
	n.pending.Add(1)
}

// wait blocks until every expected submission has settled and returns the
// success/failure counts.
func (n *consoleNotifier) wait() (succeeded, failed int) {
	n.pending.Wait()
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.succeeded, n.failed
}

func (n *consoleNotifier) settle(success bool) {
	n.mu.Lock()
	if success {
		n.succeeded++
	} else {
		n.failed++
	}
	n.mu.Unlock()
	n.pending.Done()
}

func (n *consoleNotifier) Queued(req scheduler.Request) {
	fmt.Fprintf(n.writer.Newline(), "Queued: %s\n", req.FileName())
}

func (n *consoleNotifier) Started(req scheduler.Request) {
	fmt.Fprintf(n.writer.Newline(), "Downloading: %s\n", req.FileName())
}

func (n *consoleNotifier) Progress(fileName string, received, total int64) {
	if total > 0 {
		fmt.Fprintf(n.writer, "%s: %s / %s (%.1f%%)\n",
			fileName, helpers.BytesToSize(uint64(received)), helpers.BytesToSize(uint64(total)),
			float64(received)/float64(total)*100)
	} else {
		fmt.Fprintf(n.writer, "%s: %s\n", fileName, helpers.BytesToSize(uint64(received)))
	}
}

func (n *consoleNotifier) FileCompleted(req scheduler.Request, sizeMB float64) {
	fmt.Fprintf(n.writer.Newline(), "Downloaded: %s (%.1f MB)\n", req.FileName(), sizeMB)
}

func (n *consoleNotifier) GatheringImages(req scheduler.Request) {
	fmt.Fprintf(n.writer.Newline(), "Gathering images: %s\n", req.Model.Name)
}

func (n *consoleNotifier) FullyCompleted(req scheduler.Request) {
	fmt.Fprintf(n.writer.Newline(), "Done: %s\n", req.FileName())
	n.settle(true)
}

func (n *consoleNotifier) Failed(req scheduler.Request, err error) {
	fmt.Fprintf(n.writer.Newline(), "Failed: %s (%v)\n", req.FileName(), err)
	n.settle(false)
}
