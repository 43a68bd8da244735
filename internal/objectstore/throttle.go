package objectstore

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// throttleChunk bounds a single limiter reservation.
const throttleChunk = 256 << 10

// Throttled caps the upload bandwidth of the wrapped store. All concurrent
// transfers share one limiter.
type Throttled struct {
	inner   Store
	limiter *rate.Limiter
}

// Throttle wraps inner with a shared bytesPerSecond limit. A non-positive
// limit returns inner unchanged.
func Throttle(inner Store, bytesPerSecond int64) Store {
	if bytesPerSecond <= 0 {
		return inner
	}
	burst := int(min(bytesPerSecond, throttleChunk))
	return &Throttled{inner: inner, limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

func (t *Throttled) Put(ctx context.Context, key string, obj Object) (Result, error) {
	obj.Body = &limitedReaderAt{ctx: ctx, r: obj.Body, limiter: t.limiter}
	return t.inner.Put(ctx, key, obj)
}

func (t *Throttled) Exists(ctx context.Context, key string) (bool, error) {
	return t.inner.Exists(ctx, key)
}

func (t *Throttled) Stat(ctx context.Context, key string) (Info, bool, error) {
	return t.inner.Stat(ctx, key)
}

// Unwrap returns the throttled backend.
func (t *Throttled) Unwrap() Store { return t.inner }

type limitedReaderAt struct {
	ctx     context.Context
	r       io.ReaderAt
	limiter *rate.Limiter
}

func (l *limitedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := min(len(p), l.limiter.Burst())
		if err := l.limiter.WaitN(l.ctx, chunk); err != nil {
			return total, err
		}
		n, err := l.r.ReadAt(p[:chunk], off)
		total += n
		off += int64(n)
		p = p[n:]
		if err != nil {
			return total, err
		}
		if n < chunk {
			return total, io.EOF
		}
	}
	return total, nil
}
