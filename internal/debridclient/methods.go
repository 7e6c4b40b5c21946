package debridclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ossianhanning/aio-rdb-vfs/internal/provider"
)

func toRemoteContainer(m wireMagnet) provider.RemoteContainer {
	files := make([]provider.RemoteFile, 0, len(m.Files))
	for _, f := range m.Files {
		files = append(files, provider.RemoteFile{
			FileID:         f.ID,
			RestrictedLink: f.Link,
			Size:           f.Size,
			Name:           f.Filename,
		})
	}
	return provider.RemoteContainer{
		HostID:    m.ID,
		Hash:      m.Hash,
		Name:      m.Filename,
		RawStatus: m.StatusCode,
		Speed:     m.Speed,
		Seeders:   m.Seeders,
		Files:     files,
	}
}

// List returns one page of containers (grounded on alldebrid's
// magnet/status, which returns every magnet in one call; pagination is
// applied client-side since the upstream API this mirrors has none).
func (c *Client) List(ctx context.Context, page, limit int, filter string) ([]provider.RemoteContainer, error) {
	var resp magnetStatusResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v4.1/magnet/status", nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.asErr(); err != nil {
		return nil, err
	}

	out := make([]provider.RemoteContainer, 0, len(resp.Data.Magnets))
	for _, m := range resp.Data.Magnets {
		out = append(out, toRemoteContainer(m))
	}

	start := page * limit
	if start >= len(out) {
		return nil, nil
	}
	end := start + limit
	if limit <= 0 || end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

// Info returns the full current detail for one container.
func (c *Client) Info(ctx context.Context, hostID string) (provider.RemoteContainer, error) {
	params := url.Values{"id": {hostID}}
	var resp magnetStatusResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v4.1/magnet/status", params, &resp); err != nil {
		return provider.RemoteContainer{}, err
	}
	if err := resp.asErr(); err != nil {
		return provider.RemoteContainer{}, err
	}
	if len(resp.Data.Magnets) == 0 {
		return provider.RemoteContainer{}, fmt.Errorf("debridclient: container %s not found", hostID)
	}
	return toRemoteContainer(resp.Data.Magnets[0]), nil
}

// AddTorrent uploads a .torrent file's bytes, mirroring alldebrid's
// magnet/upload/file multipart upload.
func (c *Client) AddTorrent(ctx context.Context, data []byte, host, category string, tags []string) (string, error) {
	var buf bytes.Buffer
	mw := newMultipartWriter(&buf)
	if err := mw.writeField("name", host); err != nil {
		return "", err
	}
	if err := mw.writeFile("file", "upload.torrent", data); err != nil {
		return "", err
	}
	if err := mw.close(); err != nil {
		return "", err
	}

	var resp magnetUploadResponse
	if err := c.doMultipart(ctx, "/v4/magnet/upload/file", mw.contentType(), buf.Bytes(), &resp); err != nil {
		return "", err
	}
	if err := resp.asErr(); err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

// AddMagnet adds a magnet URI, mirroring alldebrid's magnet/upload.
func (c *Client) AddMagnet(ctx context.Context, uri, host string) (string, error) {
	params := url.Values{"magnets[]": {uri}}
	var resp magnetUploadResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v4/magnet/upload", params, &resp); err != nil {
		return "", err
	}
	if err := resp.asErr(); err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

// SelectFiles chooses which files to fetch within a container awaiting
// selection.
func (c *Client) SelectFiles(ctx context.Context, hostID string, selector provider.FileSelector) error {
	params := url.Values{"id": {hostID}}
	if selector.All {
		params.Set("files", "all")
	} else {
		for _, id := range selector.FileIDs {
			params.Add("files[]", id)
		}
	}
	var resp envelope
	if err := c.doJSON(ctx, http.MethodPost, "/v4/magnet/files", params, &resp); err != nil {
		return err
	}
	return resp.asErr()
}

// Delete removes a container from the upstream, mirroring alldebrid's
// magnet/delete.
func (c *Client) Delete(ctx context.Context, hostID string) error {
	params := url.Values{"id": {hostID}}
	var resp envelope
	if err := c.doJSON(ctx, http.MethodPost, "/v4/magnet/delete", params, &resp); err != nil {
		return err
	}
	return resp.asErr()
}

// CheckLink reports whether a restricted link is resolvable, memoised
// for linkCacheTTL.
func (c *Client) CheckLink(ctx context.Context, link string) (bool, error) {
	cacheKey := "check:" + link
	if v, ok := c.linkCache.Get(cacheKey); ok {
		return v.(bool), nil
	}

	params := url.Values{"link": {link}}
	var resp linkCheckResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v4/link/infos", params, &resp); err != nil {
		return false, err
	}
	if err := resp.asErr(); err != nil {
		return false, nil // a rejected link is "unsupported", not a transport error
	}
	c.linkCache.Set(cacheKey, resp.Data.Supported, 0)
	return resp.Data.Supported, nil
}

// Unrestrict resolves a restricted link to a short-lived fetchable URL,
// memoised for linkCacheTTL (the link itself expires upstream well
// before that, but repeated unrestricts within a read burst are
// deduplicated the same way alldebrid.go caches magnet file lookups).
func (c *Client) Unrestrict(ctx context.Context, link string) (provider.UnrestrictResult, error) {
	cacheKey := "unrestrict:" + link
	if v, ok := c.linkCache.Get(cacheKey); ok {
		return v.(provider.UnrestrictResult), nil
	}

	params := url.Values{"link": {link}}
	var resp linkUnlockResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v4/link/unlock", params, &resp); err != nil {
		return provider.UnrestrictResult{}, err
	}
	if err := resp.asErr(); err != nil {
		return provider.UnrestrictResult{}, err
	}

	result := provider.UnrestrictResult{
		Filename: resp.Data.Filename,
		Size:     resp.Data.Filesize,
		Link:     resp.Data.Link,
	}
	c.linkCache.Set(cacheKey, result, 0)
	return result, nil
}

// FetchRange opens a byte-range GET against a fetchable URL. No
// internal retry: ChunkCache's download loop owns the retry policy
// (SPEC_FULL.md §5) and classifies the returned error via
// provider.IsRetryable.
func (c *Client) FetchRange(ctx context.Context, fetchURL string, start, endInclusive int64) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("debridclient: rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("debridclient: build range request: %w", err)
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(endInclusive, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("debridclient: fetch range: %w", err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			// The origin ignored our Range header and sent the whole
			// resource from byte 0; reading `length` bytes from this
			// stream would silently cache the wrong byte range under
			// chunk idx (SPEC_FULL.md §8 property 1). Never hand this
			// body back to the caller.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
			return nil, &rangeNotHonoredError{url: fetchURL}
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &httpError{statusCode: resp.StatusCode, body: string(data)}
	}
	return resp.Body, nil
}
