package cmd

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gosuri/uilive"
	"github.com/stretchr/testify/assert"

	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/scheduler"
)

// The writer is never started so output just buffers in memory.
func newQuietNotifier() *consoleNotifier {
	w := uilive.New()
	w.Out = io.Discard
	return &consoleNotifier{writer: w}
}

func notifierRequest(i int) scheduler.Request {
	return scheduler.Request{
		Model:      models.Model{ID: i, Name: "Model"},
		Version:    models.ModelVersion{ID: i * 10, Name: "v1"},
		TargetPath: "/models/file.safetensors",
	}
}

func TestConsoleNotifierSettlesWithoutConsumer(t *testing.T) {
	n := newQuietNotifier()

	// Far more completions than any channel buffer; nothing is draining
	// while they settle, so settling must not block.
	const total = 1000
	for i := 0; i < total; i++ {
		n.expect()
	}

	settled := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			if i%4 == 0 {
				n.Failed(notifierRequest(i), errors.New("download failed"))
			} else {
				n.FullyCompleted(notifierRequest(i))
			}
		}
		close(settled)
	}()

	select {
	case <-settled:
	case <-time.After(5 * time.Second):
		t.Fatal("notifier blocked while settling completions")
	}

	succeeded, failed := n.wait()
	assert.Equal(t, 750, succeeded)
	assert.Equal(t, 250, failed)
}

func TestConsoleNotifierWaitWithNothingExpected(t *testing.T) {
	n := newQuietNotifier()
	succeeded, failed := n.wait()
	assert.Zero(t, succeeded)
	assert.Zero(t, failed)
}
