// SPDX-License-Identifier: MIT

package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scrobsky/scrobsky/internal/publish"
)

func staticProgress() publish.Progress {
	return publish.Progress{
		RunID:     "run-1",
		State:     "writing",
		Total:     100,
		Published: 40,
		Remaining: 60,
		BatchSize: 50,
	}
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(Handler(staticProgress))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close() //nolint:errcheck // test

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
}

func TestProgressEndpoint(t *testing.T) {
	srv := httptest.NewServer(Handler(staticProgress))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/progress")
	require.NoError(t, err)
	defer res.Body.Close() //nolint:errcheck // test

	require.Equal(t, http.StatusOK, res.StatusCode)
	var got publish.Progress
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 40, got.Published)
	assert.Equal(t, 60, got.Remaining)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(Handler(staticProgress))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close() //nolint:errcheck // test

	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRunShutsDownCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewServer("127.0.0.1:0", zerolog.Nop(), staticProgress)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
