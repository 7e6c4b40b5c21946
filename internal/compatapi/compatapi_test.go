package compatapi

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ossianhanning/aio-rdb-vfs/internal/config"
	"github.com/ossianhanning/aio-rdb-vfs/internal/namespace"
	"github.com/ossianhanning/aio-rdb-vfs/internal/provider"
	"github.com/ossianhanning/aio-rdb-vfs/internal/reconcile"
	"github.com/ossianhanning/aio-rdb-vfs/internal/store"
)

// fakeProvider is the minimal RemoteProvider needed to exercise the
// compat API's add/delete paths without a network round trip.
type fakeProvider struct {
	addedHostID string
	info        provider.RemoteContainer
}

func (f *fakeProvider) List(ctx context.Context, page, limit int, filter string) ([]provider.RemoteContainer, error) {
	return nil, nil
}
func (f *fakeProvider) Info(ctx context.Context, hostID string) (provider.RemoteContainer, error) {
	return f.info, nil
}
func (f *fakeProvider) AddTorrent(ctx context.Context, data []byte, host, category string, tags []string) (string, error) {
	return f.addedHostID, nil
}
func (f *fakeProvider) AddMagnet(ctx context.Context, uri, host string) (string, error) {
	return f.addedHostID, nil
}
func (f *fakeProvider) SelectFiles(ctx context.Context, hostID string, selector provider.FileSelector) error {
	return nil
}
func (f *fakeProvider) Delete(ctx context.Context, hostID string) error { return nil }
func (f *fakeProvider) CheckLink(ctx context.Context, url string) (bool, error) {
	return true, nil
}
func (f *fakeProvider) Unrestrict(ctx context.Context, url string) (provider.UnrestrictResult, error) {
	return provider.UnrestrictResult{Link: url}, nil
}
func (f *fakeProvider) FetchRange(ctx context.Context, url string, start, endInclusive int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func newTestServer(t *testing.T) (*Server, *fakeProvider) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	prov := &fakeProvider{
		addedHostID: "host-1",
		info: provider.RemoteContainer{
			HostID:    "host-1",
			Hash:      "deadbeef",
			Name:      "Test Container",
			RawStatus: "downloaded",
		},
	}
	ctrl := reconcile.New(config.Default(), prov, st, namespace.New(), nil)
	return New(ctrl, "aio-rdb-vfs"), prov
}

func TestHandleVersion(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v2/app/version", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "v4.6.0", rec.Body.String())
}

func TestHandleLoginSetsSIDCookie(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v2/auth/login", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var foundSID bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "SID" && c.Value != "" {
			foundSID = true
		}
	}
	require.True(t, foundSID)
}

func TestHandleAddThenListThenDelete(t *testing.T) {
	s, _ := newTestServer(t)

	var body strings.Builder
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("urls", "magnet:?xt=urn:btih:abcdef"))
	require.NoError(t, w.WriteField("category", "movies"))
	require.NoError(t, w.Close())

	addReq := httptest.NewRequest(http.MethodPost, "/api/v2/torrents/add", strings.NewReader(body.String()))
	addReq.Header.Set("Content-Type", w.FormDataContentType())
	addRec := httptest.NewRecorder()
	s.Router().ServeHTTP(addRec, addReq)
	require.Equal(t, http.StatusOK, addRec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v2/torrents/info", nil)
	listRec := httptest.NewRecorder()
	s.Router().ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)
	require.Contains(t, listRec.Body.String(), "deadbeef")
	require.Contains(t, listRec.Body.String(), `"category":"movies"`)

	delReq := httptest.NewRequest(http.MethodPost, "/api/v2/torrents/delete", strings.NewReader("hashes=deadbeef"))
	delReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	delRec := httptest.NewRecorder()
	s.Router().ServeHTTP(delRec, delReq)
	require.Equal(t, http.StatusOK, delRec.Code)

	listReq2 := httptest.NewRequest(http.MethodGet, "/api/v2/torrents/info", nil)
	listRec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(listRec2, listReq2)
	require.Equal(t, "[]\n", listRec2.Body.String())
}
