package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1024 * 1024 // 1 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// Throttle limits background I/O to a byte rate. A nil Throttle never waits.
type Throttle struct {
	limiter *rate.Limiter
	burst   int
}

// NewThrottle returns nil when bytesPerSec <= 0.
func NewThrottle(bytesPerSec int64) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := chunkSize
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:   burst,
	}
}

// WaitN blocks until n bytes may be written.
func (t *Throttle) WaitN(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	for n > 0 {
		step := min(n, t.burst)
		if err := t.limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("rate limiter error: %w", err)
		}
		n -= step
	}
	return nil
}

// CopyThrottled copies srcPath to dstPath at no more than rateBytesPerSec
// (unlimited when <= 0), fsyncs the copy and returns its blake3 digest.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) ([]byte, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	throttle := NewThrottle(rateBytesPerSec)
	sum := blake3.New()
	var readOff int64

	for {
		buf := bufPool.Get().([]byte)
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if err := throttle.WaitN(ctx, n); err != nil {
				bufPool.Put(buf)
				return nil, err
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				bufPool.Put(buf)
				return nil, fmt.Errorf("write error: %w", werr)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		bufPool.Put(buf)

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync error: %w", err)
	}
	return sum.Sum(nil), nil
}
