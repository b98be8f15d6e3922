package objlog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// AsyncLogger decouples log writers from the underlying sink (typically a
// rotating file) by buffering writes on a channel and draining them from a
// single goroutine, so a slow or blocked disk never stalls a request
// path.
type AsyncLogger struct {
	w       io.WriteCloser
	entries chan []byte
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewAsyncLogger starts draining into w on a background goroutine. bufSize
// bounds how many pending writes may queue before new writes are dropped
// (with a warning to stderr) rather than blocking the caller.
func NewAsyncLogger(w io.WriteCloser, bufSize int) *AsyncLogger {
	a := &AsyncLogger{
		w:       w,
		entries: make(chan []byte, bufSize),
		done:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer a.wg.Done()
	for b := range a.entries {
		if _, err := a.w.Write(b); err != nil {
			fmt.Fprintf(os.Stderr, "objlog: write failed: %v\n", err)
		}
	}
	close(a.done)
}

// Write queues p for asynchronous delivery. It copies p since the caller
// may reuse its buffer immediately after Write returns.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)

	select {
	case a.entries <- cp:
	default:
		fmt.Fprintf(os.Stderr, "objlog: buffer full, dropping %d bytes\n", len(p))
	}
	return len(p), nil
}

// Close stops accepting writes, drains whatever is already queued, and
// closes the underlying writer.
func (a *AsyncLogger) Close() error {
	a.closeOnce.Do(func() {
		close(a.entries)
		<-a.done
		a.closeErr = a.w.Close()
	})
	return a.closeErr
}
