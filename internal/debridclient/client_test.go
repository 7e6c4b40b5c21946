package debridclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossianhanning/aio-rdb-vfs/internal/provider"
)

func TestListParsesMagnetStatusEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"magnets":[
			{"id":"1","filename":"movie.mkv","hash":"abc","status":"downloaded","downloadSpeed":0,"seeders":0,"files":[{"id":"f1","filename":"movie.mkv","size":100,"link":"http://x/1"}]}
		]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, 100)
	containers, err := c.List(context.Background(), 0, 10, "")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "movie.mkv", containers[0].Name)
	assert.Equal(t, "abc", containers[0].Hash)
	require.Len(t, containers[0].Files, 1)
	assert.Equal(t, int64(100), containers[0].Files[0].Size)
}

func TestUnrestrictIsRetryableOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, 100)
	_, err := c.Unrestrict(context.Background(), "http://example/link")
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err))
}

func TestDeleteNotRetryableOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("unauthorized"))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, 100)
	err := c.Delete(context.Background(), "host-1")
	require.Error(t, err)
	assert.False(t, provider.IsRetryable(err))
}

func TestFetchRangeReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, 100)
	body, err := c.FetchRange(context.Background(), srv.URL, 0, 4)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFetchRangeRejects200AsNotHonored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An origin that ignores our Range header and answers 200 OK
		// with the whole object must never be handed back as if it
		// were the requested byte range.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("the entire file from byte zero"))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second, 100)
	body, err := c.FetchRange(context.Background(), srv.URL, 10, 14)
	require.Error(t, err)
	assert.Nil(t, body)
	assert.True(t, provider.IsRetryable(err))
}
