package domain

// Item is the payload flowing between pipeline nodes. The well-known fields
// cover what nearly every node touches; anything producer-specific travels
// in Extra. An item is owned by the node currently processing it: nodes
// pass Clone()d copies downstream, never the item they received.
type Item struct {
	URL         string
	Filename    string
	DatasetPath string
	Version     string

	Stats *ActivityStats

	Extra map[string]any
}

// NewItem returns an empty item carrying a fresh stats accumulator.
func NewItem() Item {
	return Item{Stats: &ActivityStats{}}
}

// Clone deep-copies the item. Stats is shared deliberately: it is the one
// accumulator threaded through the whole run and merged by the engine.
func (i Item) Clone() Item {
	out := i

	if i.Extra != nil {
		out.Extra = make(map[string]any, len(i.Extra))
		for k, v := range i.Extra {
			out.Extra[k] = v
		}
	}

	return out
}

// Get reads an extension key.
func (i Item) Get(key string) (any, bool) {
	v, ok := i.Extra[key]
	return v, ok
}

// Set writes an extension key, allocating the map on first use.
func (i *Item) Set(key string, value any) {
	if i.Extra == nil {
		i.Extra = map[string]any{}
	}

	i.Extra[key] = value
}

// GetString reads an extension key as a string, returning "" when the key
// is absent or not a string.
func (i Item) GetString(key string) string {
	v, ok := i.Extra[key]
	if !ok {
		return ""
	}

	s, ok := v.(string)
	if !ok {
		return ""
	}

	return s
}

// ResultAction marks an item emitted as a run result rather than as data.
type ResultAction string

const (
	ResultAction_Error  ResultAction = "error"
	ResultAction_Commit ResultAction = "commit"
)

const (
	ExtraKeyAction = "action"
	ExtraKeyStatus = "status"
)

// ErrorResult builds a per-item failure record. A batch with one bad URL
// still commits everything else, so fetch failures become result items
// instead of aborting errors.
func ErrorResult(item Item, err error) Item {
	out := item.Clone()
	out.Set(ExtraKeyAction, string(ResultAction_Error))
	out.Set(ExtraKeyStatus, err.Error())

	return out
}

// IsErrorResult reports whether the item is a per-item failure record.
func IsErrorResult(item Item) bool {
	return item.GetString(ExtraKeyAction) == string(ResultAction_Error)
}
