package upload

import (
	"fmt"
	"io"
	"sync/atomic"
)

// CountingReader forwards reads to an underlying reader and reports the
// cumulative byte count after every read that returned data.
type CountingReader struct {
	r      io.Reader
	total  atomic.Int64
	onRead func(total int64)
}

// NewCountingReader wraps r. onRead may be nil.
func NewCountingReader(r io.Reader, onRead func(total int64)) *CountingReader {
	return &CountingReader{r: r, onRead: onRead}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		total := c.total.Add(int64(n))
		if c.onRead != nil {
			c.onRead(total)
		}
	}
	return n, err
}

// Total reports the bytes read so far.
func (c *CountingReader) Total() int64 {
	return c.total.Load()
}

// Seek always fails; the stream is forward-only.
func (c *CountingReader) Seek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("counting reader seek: %w", ErrUnsupported)
}

// Write always fails; the stream is read-only.
func (c *CountingReader) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("counting reader write: %w", ErrUnsupported)
}
