package remote

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/stixwb/internal/models"
)

func TestIsTransient_NilError(t *testing.T) {
	assert.False(t, isTransient(nil))
}

func TestIsTransient_ServerError(t *testing.T) {
	err := &RemoteError{Status: 500, Code: "internal_error", Message: "server error"}
	assert.True(t, isTransient(err))
}

func TestIsTransient_TooManyRequests(t *testing.T) {
	err := &RemoteError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many"}
	assert.True(t, isTransient(err))
}

func TestIsTransient_RequestTimeout(t *testing.T) {
	err := &RemoteError{Status: http.StatusRequestTimeout, Code: "unknown", Message: "HTTP 408"}
	assert.True(t, isTransient(err))
}

func TestIsTransient_ContextErrors(t *testing.T) {
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
}

func TestIsTransient_ClientError(t *testing.T) {
	err := &RemoteError{Status: 404, Code: "not_found", Message: "not found"}
	assert.False(t, isTransient(err))
}

func TestIsTransient_NetworkError(t *testing.T) {
	err := &http.MaxBytesError{Limit: 100}
	assert.True(t, isTransient(err))
}

func noJitter(attempts int, base, ceiling time.Duration) *FetchPolicy {
	return &FetchPolicy{Attempts: attempts, BaseDelay: base, MaxDelay: ceiling}
}

func TestRetryClient_DelayDoubles(t *testing.T) {
	rc := NewRetryClient(nil, noJitter(4, 100*time.Millisecond, 10*time.Second))
	err := &RemoteError{Status: http.StatusBadGateway}

	assert.Equal(t, 100*time.Millisecond, rc.delay(0, err))
	assert.Equal(t, 200*time.Millisecond, rc.delay(1, err))
	assert.Equal(t, 400*time.Millisecond, rc.delay(2, err))
}

func TestRetryClient_DelayCapped(t *testing.T) {
	rc := NewRetryClient(nil, noJitter(10, time.Second, 5*time.Second))
	assert.Equal(t, 5*time.Second, rc.delay(10, &RemoteError{Status: 500}))
	assert.Equal(t, 5*time.Second, rc.delay(70, &RemoteError{Status: 500}))
}

func TestRetryClient_DelayJitterStaysInBand(t *testing.T) {
	rc := NewRetryClient(nil, &FetchPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.25})
	for range 50 {
		d := rc.delay(0, &RemoteError{Status: 500})
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestRetryClient_DelayHonorsRetryAfter(t *testing.T) {
	rc := NewRetryClient(nil, noJitter(4, 100*time.Millisecond, 10*time.Second))

	assert.Equal(t, 3*time.Second, rc.delay(0, &RemoteError{Status: http.StatusTooManyRequests, RetryAfter: 3 * time.Second}))
	assert.Equal(t, 10*time.Second, rc.delay(0, &RemoteError{Status: http.StatusServiceUnavailable, RetryAfter: time.Hour}))
	assert.Equal(t, 3*time.Second, rc.delay(0, fmt.Errorf("fetch: %w", &RemoteError{Status: 429, RetryAfter: 3 * time.Second})))
}

func TestNewRetryClient_Defaults(t *testing.T) {
	rc := NewRetryClient(nil, nil)
	assert.Equal(t, DefaultFetchPolicy().Attempts, rc.policy.Attempts)

	rc = NewRetryClient(nil, &FetchPolicy{})
	assert.Equal(t, 1, rc.policy.Attempts)
}

func TestRetryClient_DownloadSucceedsAfterFailures(t *testing.T) {
	rc := NewRetryClient(nil, noJitter(4, time.Millisecond, 10*time.Millisecond))

	calls := 0
	err := rc.download(context.Background(), "fetch bundle", func() error {
		calls++
		if calls < 3 {
			return &RemoteError{Status: 500, Code: "internal", Message: "fail"}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryClient_DownloadExhausted(t *testing.T) {
	rc := NewRetryClient(nil, noJitter(3, time.Millisecond, 10*time.Millisecond))

	calls := 0
	err := rc.download(context.Background(), "fetch bundle", func() error {
		calls++
		return &RemoteError{Status: 500, Code: "internal", Message: "fail"}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch bundle")
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestRetryClient_DownloadNotRepeatedOn4xx(t *testing.T) {
	rc := NewRetryClient(nil, noJitter(3, time.Millisecond, 10*time.Millisecond))

	calls := 0
	err := rc.download(context.Background(), "fetch bundle", func() error {
		calls++
		return &RemoteError{Status: 404, Code: "not_found", Message: "not found"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NotContains(t, err.Error(), "attempts")
}

func TestRetryClient_OnRetryReportsEachWait(t *testing.T) {
	type notice struct {
		op      string
		attempt int
		wait    time.Duration
	}
	var notices []notice
	policy := noJitter(3, time.Millisecond, 10*time.Millisecond)
	policy.OnRetry = func(op string, attempt int, err error, wait time.Duration) {
		assert.Error(t, err)
		notices = append(notices, notice{op, attempt, wait})
	}
	rc := NewRetryClient(nil, policy)

	_ = rc.download(context.Background(), "fetch collection index", func() error {
		return &RemoteError{Status: http.StatusBadGateway}
	})

	assert.Equal(t, []notice{
		{"fetch collection index", 1, time.Millisecond},
		{"fetch collection index", 2, 2 * time.Millisecond},
	}, notices)
}

func TestRetryClient_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := noJitter(5, time.Minute, time.Hour)
	policy.OnRetry = func(string, int, error, time.Duration) { cancel() }
	rc := NewRetryClient(nil, policy)

	calls := 0
	err := rc.download(ctx, "fetch bundle", func() error {
		calls++
		return &RemoteError{Status: 500, Code: "internal", Message: "fail"}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up waiting to retry")
	assert.Equal(t, 1, calls)
	var re *RemoteError
	assert.ErrorAs(t, err, &re)
}

func TestWait_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := wait(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWait_Elapses(t *testing.T) {
	err := wait(context.Background(), time.Millisecond)
	assert.NoError(t, err)
}

// flakyClient fails the first failures calls of every method with err.
type flakyClient struct {
	failures int
	err      error
	calls    int
}

func (f *flakyClient) fail() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyClient) FetchBundle(context.Context, string) (*models.Bundle, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &models.Bundle{Type: models.BundleType, ID: "bundle--1"}, nil
}

func (f *flakyClient) FetchIndex(context.Context, string) (*CollectionIndex, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &CollectionIndex{ID: "index"}, nil
}

func (f *flakyClient) ImportBundle(context.Context, *models.Bundle, ImportParams) (*models.Object, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &models.Object{}, nil
}

func fastRetry() *FetchPolicy {
	return &FetchPolicy{Attempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryClient_FetchBundleRetriesTransient(t *testing.T) {
	inner := &flakyClient{failures: 2, err: &RemoteError{Status: http.StatusServiceUnavailable}}
	rc := NewRetryClient(inner, fastRetry())

	bundle, err := rc.FetchBundle(context.Background(), "https://example.org/enterprise.json")
	require.NoError(t, err)
	assert.Equal(t, "bundle--1", bundle.ID)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryClient_FetchIndexGivesUp(t *testing.T) {
	inner := &flakyClient{failures: 10, err: &RemoteError{Status: http.StatusBadGateway}}
	rc := NewRetryClient(inner, fastRetry())

	_, err := rc.FetchIndex(context.Background(), "https://example.org/index.json")
	require.Error(t, err)
	assert.Equal(t, 4, inner.calls)
	var re *RemoteError
	assert.ErrorAs(t, err, &re)
}

func TestRetryClient_ImportNotRetried(t *testing.T) {
	inner := &flakyClient{failures: 1, err: &RemoteError{Status: http.StatusInternalServerError}}
	rc := NewRetryClient(inner, fastRetry())

	_, err := rc.ImportBundle(context.Background(), &models.Bundle{}, ImportParams{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}
