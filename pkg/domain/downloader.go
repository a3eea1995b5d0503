package domain

import (
	"context"
	"io"
)

// Downloader is the narrow contract to the network subsystem. Credentials,
// protocol selection and redirect handling live behind it.
type Downloader interface {
	// Fetch opens the content stream for a URL. The returned status carries
	// whatever size/mtime/digest information the transfer exposed.
	Fetch(ctx context.Context, url string) (io.ReadCloser, FileStatus, error)

	// Status performs a cheap staleness probe (no body transfer).
	Status(ctx context.Context, url string) (FileStatus, error)
}
