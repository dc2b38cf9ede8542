package clients

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// DetailRetryAfter is the error detail holding a server-requested wait.
const DetailRetryAfter = "retry_after"

// maxRetryAfter caps server-requested waits.
const maxRetryAfter = time.Minute

// RetryPolicy bounds a retry loop: at most MaxAttempts calls, waiting a
// random duration between MinWait and an exponentially growing cap that never
// exceeds MaxWait.
type RetryPolicy struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
	Clock       clock.Clock
}

// DefaultRetryPolicy is the vendor and intake retry policy: 5 attempts,
// 1s to 10s, full jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		MinWait:     time.Second,
		MaxWait:     10 * time.Second,
	}
}

// Retry calls op until it succeeds, returns an error retryable rejects, the
// attempts are exhausted or ctx is done. The last error is returned. notify,
// when set, is called before every wait.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, op func(ctx context.Context) error, notify func(err error, attempt int, wait time.Duration)) error {
	if retryable == nil {
		retryable = errors.IsRetryable
	}
	b := newJitterBackOff(p)
	attempt := 0

	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.IsShutdown(err) || !retryable(err) {
			return backoff.Permanent(err)
		}
		var typed *errors.Error
		if errors.As(err, &typed) {
			if d, ok := typed.Details[DetailRetryAfter].(time.Duration); ok {
				b.hint(d)
			}
		}
		return err
	}

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	}
	bo = backoff.WithContext(bo, ctx)

	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(err, attempt, wait) }
	}
	return backoff.RetryNotifyWithTimer(operation, bo, n, &clockTimer{clk: clock.OrReal(p.Clock)})
}

// jitterBackOff implements backoff.BackOff with full jitter. A Retry-After
// hint replaces the next computed wait once.
type jitterBackOff struct {
	min, max time.Duration
	attempt  int
	next     time.Duration
	rnd      *rand.Rand
	mu       sync.Mutex
}

func newJitterBackOff(p RetryPolicy) *jitterBackOff {
	if p.MinWait <= 0 {
		p.MinWait = time.Second
	}
	if p.MaxWait < p.MinWait {
		p.MaxWait = p.MinWait
	}
	return &jitterBackOff{
		min: p.MinWait,
		max: p.MaxWait,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
}

func (b *jitterBackOff) hint(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	if d > 0 {
		b.next = d
	}
}

func (b *jitterBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
	b.next = 0
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.next > 0 {
		d := b.next
		b.next = 0
		b.attempt++
		return d
	}

	ceiling := b.min << uint(b.attempt)
	if ceiling > b.max || ceiling <= 0 {
		ceiling = b.max
	}
	b.attempt++
	if ceiling == b.min {
		return b.min
	}
	return b.min + time.Duration(b.rnd.Int63n(int64(ceiling-b.min)+1))
}

// clockTimer adapts clock.Clock to backoff.Timer.
type clockTimer struct {
	clk   clock.Clock
	timer interface {
		C() <-chan time.Time
		Stop() bool
	}
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clk.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C()
}
