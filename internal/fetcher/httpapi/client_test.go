package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

func TestFetchDecodesEngagement(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"handle":"alice","followers":1200,"posts":45,"likes":900,"comments":120,"shares":33,"views":15000}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	data, err := client.Fetch(context.Background(), "alice", "Alice A")
	require.NoError(t, err)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "/v1/profiles/alice/engagement", gotPath)
	require.Equal(t, int64(1200), data.Followers)
	require.Equal(t, int64(15000), data.Views)
	require.False(t, data.FetchedAt.IsZero())
}

func TestFetchMapsThrottleToRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.Fetch(context.Background(), "alice", "")
	require.ErrorIs(t, err, ingest.ErrRateLimited)
}

func TestFetchHardErrorsAreNotRateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.Fetch(context.Background(), "alice", "")
	require.Error(t, err)
	require.NotErrorIs(t, err, ingest.ErrRateLimited)
	require.Contains(t, err.Error(), "upstream exploded")
}

func TestFetchNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.Fetch(context.Background(), "ghost", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}
