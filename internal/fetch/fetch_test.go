package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_NewDocumentReturnsBodyAndHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := New(WithRespectRobots(false), WithPerHostInterval(time.Millisecond))
	res := f.Fetch(context.Background(), srv.URL, Validators{})

	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeNew, res.Outcome)
	assert.Equal(t, "hello world", string(res.Body))
	assert.NotEmpty(t, res.ContentHash)
}

func TestFetch_SameHashReportsUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("same content"))
	}))
	defer srv.Close()

	f := New(WithRespectRobots(false), WithPerHostInterval(time.Millisecond))
	first := f.Fetch(context.Background(), srv.URL, Validators{})
	second := f.Fetch(context.Background(), srv.URL, Validators{ContentHash: first.ContentHash})

	assert.Equal(t, OutcomeUnchanged, second.Outcome)
}

func TestFetch_304ResponseReportsUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("content"))
	}))
	defer srv.Close()

	f := New(WithRespectRobots(false), WithPerHostInterval(time.Millisecond))
	res := f.Fetch(context.Background(), srv.URL, Validators{ETag: `"v1"`})
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, http.StatusNotModified, res.StatusCode)
}

func TestFetch_TerminalClientErrorDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(WithRespectRobots(false), WithPerHostInterval(time.Millisecond), WithMaxRetries(3))
	res := f.Fetch(context.Background(), srv.URL, Validators{})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a terminal 4xx must not be retried")
}

func TestFetch_ServerErrorRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(WithRespectRobots(false), WithPerHostInterval(time.Millisecond), WithMaxRetries(5))
	res := f.Fetch(context.Background(), srv.URL, Validators{})

	assert.Equal(t, OutcomeNew, res.Outcome)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestFetch_RespectsDisallowedRobots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/private/page", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secret"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(WithRespectRobots(true), WithPerHostInterval(time.Millisecond))
	res := f.Fetch(context.Background(), srv.URL+"/private/page", Validators{})
	assert.Equal(t, OutcomeDisallowed, res.Outcome)
}

func TestFetch_MaxBytesExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	f := New(WithRespectRobots(false), WithPerHostInterval(time.Millisecond), WithMaxBytes(10))
	res := f.Fetch(context.Background(), srv.URL, Validators{})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
}

func TestWith_DerivedFetcherKeepsBaseAndAppliesOverrides(t *testing.T) {
	base := New(WithUserAgent("base/1.0"), WithRespectRobots(false), WithPerHostInterval(time.Millisecond))
	derived := base.With(WithUserAgent("derived/2.0"))

	assert.Equal(t, "derived/2.0", derived.opts.UserAgent)
	assert.Equal(t, "base/1.0", base.opts.UserAgent, "receiver must be unchanged")
	assert.False(t, derived.opts.RespectRobots, "unoverridden settings carry over")
	assert.Equal(t, time.Millisecond, derived.opts.PerHostInterval)
}
