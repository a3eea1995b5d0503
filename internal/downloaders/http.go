// Package downloaders implements the narrow fetch/status contract the
// ingestion core consumes. Credentials and site-specific quirks stay here,
// out of the state machine.
package downloaders

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/datamirror/datamirror/pkg/domain"
)

// HTTPDownloader fetches over plain HTTP(S) with bounded retries for
// transient failures.
type HTTPDownloader struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

// HTTPDownloaderDependencies carries what an HTTPDownloader needs.
type HTTPDownloaderDependencies struct {
	Client  *http.Client
	Retries int
	Backoff time.Duration
}

// NewHTTPDownloader builds a downloader with sane defaults.
func NewHTTPDownloader(deps HTTPDownloaderDependencies) *HTTPDownloader {
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}

	retries := deps.Retries
	if retries <= 0 {
		retries = 3
	}

	backoff := deps.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &HTTPDownloader{
		client:  client,
		retries: retries,
		backoff: backoff,
	}
}

// Fetch implements domain.Downloader.
func (d *HTTPDownloader) Fetch(ctx context.Context, url string) (io.ReadCloser, domain.FileStatus, error) {
	var lastErr error

	for attempt := 1; attempt <= d.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, domain.FileStatus{}, err
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
		} else if transient(resp.StatusCode) {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		} else if resp.StatusCode != http.StatusOK {
			resp.Body.Close()

			// Client errors are permanent; retrying cannot help.
			return nil, domain.FileStatus{}, &domain.FetchError{
				URL: url,
				Err: fmt.Errorf("HTTP %d", resp.StatusCode),
			}
		} else {
			return resp.Body, statusFromResponse(url, resp), nil
		}

		log.Warn().Err(lastErr).Str("url", url).Int("attempt", attempt).Msg("transient fetch failure")

		select {
		case <-ctx.Done():
			return nil, domain.FileStatus{}, ctx.Err()
		case <-time.After(d.backoff * time.Duration(attempt)):
		}
	}

	return nil, domain.FileStatus{}, &domain.FetchError{URL: url, Err: lastErr}
}

// Status implements domain.Downloader: a HEAD probe, cheap enough to run
// for every candidate before deciding to fetch.
func (d *HTTPDownloader) Status(ctx context.Context, url string) (domain.FileStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return domain.FileStatus{}, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.FileStatus{}, &domain.FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.FileStatus{}, &domain.FetchError{
			URL: url,
			Err: fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}

	return statusFromResponse(url, resp), nil
}

func statusFromResponse(url string, resp *http.Response) domain.FileStatus {
	status := domain.FileStatus{}

	if resp.ContentLength >= 0 {
		status.Size = domain.Int64Ptr(resp.ContentLength)
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			mtime := float64(t.UnixNano()) / 1e9
			status.Mtime = &mtime
		}
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		status.Digests = map[string]string{"etag": etag}
	}

	if cd := resp.Header.Get("Content-Disposition"); cd == "" {
		if base := path.Base(resp.Request.URL.Path); base != "" && base != "/" && base != "." {
			status.Filename = domain.StringPtr(base)
		}
	}

	return status
}

func transient(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
