// Package nodes provides small generic pipeline nodes: field substitution,
// conditional skipping and deliberate early termination. Site-specific
// producers live outside this module; these are the glue between them and
// the ingestion sinks.
package nodes

import (
	"context"
	"regexp"
	"sort"

	"github.com/datamirror/datamirror/pkg/domain"
)

// Sub rewrites item fields with regex substitutions. Keys are field names
// ("url", "filename"), values map pattern -> replacement.
type Sub struct {
	subs map[string][]subRule
}

type subRule struct {
	re   *regexp.Regexp
	repl string
}

// NewSub compiles the substitution table. Field names other than "url" and
// "filename" address Extra keys. Rules for one field apply in pattern sort
// order so overlapping substitutions rewrite the same way on every run.
func NewSub(subs map[string]map[string]string) (*Sub, error) {
	compiled := map[string][]subRule{}

	for field, rules := range subs {
		patterns := make([]string, 0, len(rules))
		for pattern := range rules {
			patterns = append(patterns, pattern)
		}
		sort.Strings(patterns)

		for _, pattern := range patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, domain.NewConfigError("sub pattern %q: %v", pattern, err)
			}

			compiled[field] = append(compiled[field], subRule{re: re, repl: rules[pattern]})
		}
	}

	return &Sub{subs: compiled}, nil
}

// Process implements domain.Node.
func (s *Sub) Process(ctx context.Context, item domain.Item) ([]domain.Item, error) {
	out := item.Clone()

	for field, rules := range s.subs {
		apply := func(v string) string {
			for _, rule := range rules {
				v = rule.re.ReplaceAllString(v, rule.repl)
			}
			return v
		}

		switch field {
		case "url":
			out.URL = apply(out.URL)
		case "filename":
			out.Filename = apply(out.Filename)
		default:
			out.Set(field, apply(out.GetString(field)))
		}
	}

	return []domain.Item{out}, nil
}

// Condition decides whether an item matches.
type Condition func(item domain.Item) bool

// FilenameMatches builds a condition from a filename regexp.
func FilenameMatches(pattern string) (Condition, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, domain.NewConfigError("filename pattern %q: %v", pattern, err)
	}

	return func(item domain.Item) bool {
		return re.MatchString(item.Filename)
	}, nil
}

// SkipIf drops items matching the condition, quietly thinning the stream.
type SkipIf struct {
	Cond Condition
}

// Process implements domain.Node.
func (s SkipIf) Process(ctx context.Context, item domain.Item) ([]domain.Item, error) {
	if s.Cond(item) {
		return nil, nil
	}

	return []domain.Item{item.Clone()}, nil
}

// InterruptIf terminates the pipeline cleanly when an item matches: the
// engine stops feeding the level but still runs finalizers.
type InterruptIf struct {
	Cond Condition
}

// Process implements domain.Node.
func (i InterruptIf) Process(ctx context.Context, item domain.Item) ([]domain.Item, error) {
	if i.Cond(item) {
		return nil, domain.ErrFinishPipeline
	}

	return []domain.Item{item.Clone()}, nil
}

// Assign stamps fixed values onto every passing item.
type Assign struct {
	Version  string
	Filename string
	Extra    map[string]any
}

// Process implements domain.Node.
func (a Assign) Process(ctx context.Context, item domain.Item) ([]domain.Item, error) {
	out := item.Clone()

	if a.Version != "" {
		out.Version = a.Version
	}
	if a.Filename != "" {
		out.Filename = a.Filename
	}
	for k, v := range a.Extra {
		out.Set(k, v)
	}

	return []domain.Item{out}, nil
}
