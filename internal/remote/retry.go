package remote

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// FetchPolicy controls how bundle and index downloads recover from
// transient failures of the publishing host.
type FetchPolicy struct {
	// Attempts is the total number of tries, the first one included.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64
	// OnRetry, when set, is told about every failed try that will be
	// repeated and how long the client waits first.
	OnRetry func(op string, attempt int, err error, wait time.Duration)
}

// DefaultFetchPolicy suits public collection hosts: four tries over roughly
// half a minute at most.
func DefaultFetchPolicy() *FetchPolicy {
	return &FetchPolicy{
		Attempts:  4,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Jitter:    0.25,
	}
}

// RetryClient repeats downloads that failed for transient reasons. Imports
// pass straight through.
type RetryClient struct {
	inner  RemoteClient
	policy *FetchPolicy
}

// NewRetryClient wraps inner. A nil policy uses DefaultFetchPolicy.
func NewRetryClient(inner RemoteClient, policy *FetchPolicy) *RetryClient {
	if policy == nil {
		policy = DefaultFetchPolicy()
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &RetryClient{inner: inner, policy: policy}
}

// isTransient reports whether a failed download may succeed when repeated:
// server errors, rate limiting, request timeouts and network failures.
// Cancellation by the caller never is.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		switch {
		case re.Status >= 500, re.Status == http.StatusTooManyRequests, re.Status == http.StatusRequestTimeout:
			return true
		}
		return false
	}
	return true
}

// delay returns how long to wait after the given failed try (0-based). A
// Retry-After sent by the host wins over the computed backoff, capped at
// MaxDelay.
func (rc *RetryClient) delay(attempt int, err error) time.Duration {
	var re *RemoteError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return min(re.RetryAfter, rc.policy.MaxDelay)
	}

	d := rc.policy.MaxDelay
	if attempt < 32 {
		d = rc.policy.BaseDelay << attempt
	}
	if d <= 0 || d > rc.policy.MaxDelay {
		d = rc.policy.MaxDelay
	}
	if rc.policy.Jitter > 0 {
		spread := float64(d) * rc.policy.Jitter
		d += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return max(d, 0)
}

// wait pauses for d unless ctx ends first.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// download runs fetch until it succeeds, fails permanently or runs out of
// attempts.
func (rc *RetryClient) download(ctx context.Context, op string, fetch func() error) error {
	var err error
	for attempt := 0; attempt < rc.policy.Attempts; attempt++ {
		if err = fetch(); err == nil || !isTransient(err) {
			return err
		}
		if attempt == rc.policy.Attempts-1 {
			break
		}
		d := rc.delay(attempt, err)
		if rc.policy.OnRetry != nil {
			rc.policy.OnRetry(op, attempt+1, err, d)
		}
		if werr := wait(ctx, d); werr != nil {
			return fmt.Errorf("%s: %w (gave up waiting to retry)", op, err)
		}
	}
	return fmt.Errorf("%s: %w (after %d attempts)", op, err, rc.policy.Attempts)
}

func (rc *RetryClient) FetchBundle(ctx context.Context, bundleURL string) (*models.Bundle, error) {
	var bundle *models.Bundle
	err := rc.download(ctx, "fetch bundle "+bundleURL, func() (err error) {
		bundle, err = rc.inner.FetchBundle(ctx, bundleURL)
		return err
	})
	return bundle, err
}

func (rc *RetryClient) FetchIndex(ctx context.Context, indexURL string) (*CollectionIndex, error) {
	var idx *CollectionIndex
	err := rc.download(ctx, "fetch collection index "+indexURL, func() (err error) {
		idx, err = rc.inner.FetchIndex(ctx, indexURL)
		return err
	})
	return idx, err
}

// ImportBundle is sent once. A server error may arrive after the import
// committed, and a second try would then be refused as a duplicate
// collection.
func (rc *RetryClient) ImportBundle(ctx context.Context, bundle *models.Bundle, params ImportParams) (*models.Object, error) {
	return rc.inner.ImportBundle(ctx, bundle, params)
}
