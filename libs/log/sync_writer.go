package log

import (
	"io"
	"sync"
)

type syncWriter struct {
	mtx sync.Mutex
	io.Writer
}

// newSyncWriter returns a writer that is safe for concurrent use by multiple
// goroutines. Writes to the returned writer are passed on to w. If another
// write is already in progress, the calling goroutine blocks until the writer
// is available.
func newSyncWriter(w io.Writer) io.Writer {
	return &syncWriter{Writer: w}
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.Writer.Write(p)
}
