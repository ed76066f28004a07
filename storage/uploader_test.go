package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
	"github.com/wolfeidau/asset-pipeline/backoff"
)

// fakeSleeper records requested delays without sleeping.
type fakeSleeper struct {
	delays []time.Duration
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	f.delays = append(f.delays, d)
	return nil
}

func testRetryOptions(sleeper *fakeSleeper) backoff.Options {
	return backoff.Options{
		MaxAttempts: 3,
		Policy:      backoff.DefaultPolicy(),
		Sleep:       sleeper.sleep,
	}
}

func testOwnerContext() OwnerContext {
	return OwnerContext{
		Category: CategoryWireDrops,
		Owner:    "Smith Residence",
		Kind:     KindPrewire,
		Name:     "Living Room Drop 3",
		Ext:      "jpg",
	}
}

func TestUploaderSucceedsOnThirdAttempt(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"asset-final"}`))
	}))
	defer srv.Close()

	sleeper := &fakeSleeper{}
	uploader := NewUploader(NewClient(srv.URL), NewResolver(),
		WithRetryOptions(testRetryOptions(sleeper)))

	ref, err := uploader.Upload(context.Background(), testOwnerContext(), []byte("photo"), "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, "asset-final", ref.CanonicalID)
	require.Equal(t, "image/jpeg", ref.MIMEType)
	require.Equal(t, "Smith Residence", ref.OwnerDescriptor)

	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sleeper.delays)
}

func TestUploaderExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sleeper := &fakeSleeper{}
	uploader := NewUploader(NewClient(srv.URL), NewResolver(),
		WithRetryOptions(testRetryOptions(sleeper)))

	_, err := uploader.Upload(context.Background(), testOwnerContext(), []byte("photo"), "image/jpeg")
	require.ErrorIs(t, err, assetpipeline.ErrRetryExhausted)

	require.EqualValues(t, 3, calls.Load(), "no fourth attempt")
	require.Len(t, sleeper.delays, 2, "no sleep after the final attempt")
}

func TestUploaderPermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sleeper := &fakeSleeper{}
	uploader := NewUploader(NewClient(srv.URL), NewResolver(),
		WithRetryOptions(testRetryOptions(sleeper)))

	_, err := uploader.Upload(context.Background(), testOwnerContext(), []byte("photo"), "image/jpeg")
	require.ErrorIs(t, err, assetpipeline.ErrPermanent)

	require.EqualValues(t, 1, calls.Load())
	require.Empty(t, sleeper.delays)
}

func TestUploaderMissingRootFailsBeforeNetwork(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	uploader := NewUploader(NewClient(srv.URL), NewResolver())

	oc := testOwnerContext()
	oc.Category = "unregistered"

	_, err := uploader.Upload(context.Background(), oc, []byte("photo"), "image/jpeg")
	require.ErrorIs(t, err, assetpipeline.ErrNoDestinationRoot)
	require.EqualValues(t, 0, calls.Load(), "no network call without a destination root")
}
