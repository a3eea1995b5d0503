package nodes

import (
	"context"
	"net/url"
	"path"

	"github.com/datamirror/datamirror/pkg/domain"
)

// Source is one configured remote file.
type Source struct {
	URL      string `yaml:"url"`
	Filename string `yaml:"filename"`
	Version  string `yaml:"version"`
}

// URLList is a producer node emitting one item per configured source. The
// seed item is discarded; its stats pointer is carried into every output so
// counters accumulate on the run.
type URLList struct {
	Sources []Source
}

// NewURLList validates the source list.
func NewURLList(sources []Source) (*URLList, error) {
	if len(sources) == 0 {
		return nil, domain.NewConfigError("url list is empty")
	}

	for _, s := range sources {
		if s.URL == "" {
			return nil, domain.NewConfigError("url list entry without url")
		}

		if _, err := url.Parse(s.URL); err != nil {
			return nil, domain.NewConfigError("url %q: %v", s.URL, err)
		}
	}

	return &URLList{Sources: sources}, nil
}

// Process implements domain.Node.
func (u *URLList) Process(ctx context.Context, item domain.Item) ([]domain.Item, error) {
	out := make([]domain.Item, 0, len(u.Sources))

	for _, s := range u.Sources {
		filename := s.Filename
		if filename == "" {
			if parsed, err := url.Parse(s.URL); err == nil {
				filename = path.Base(parsed.Path)
			}
		}

		out = append(out, domain.Item{
			URL:      s.URL,
			Filename: filename,
			Version:  s.Version,
			Stats:    item.Stats,
		})
	}

	return out, nil
}
