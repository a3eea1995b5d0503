package domain

import "math"

// FileStatus carries what we know about one file's content: size, mtime and
// content digests. Any field may be absent; equality only asserts sameness
// over fields both sides actually have.
type FileStatus struct {
	Size     *int64            `json:"size,omitempty"`
	Mtime    *float64          `json:"mtime,omitempty"`
	Digests  map[string]string `json:"digests,omitempty"`
	Filename *string           `json:"filename,omitempty"`
}

// Int64Ptr is a literal helper for optional sizes.
func Int64Ptr(v int64) *int64 { return &v }

// Float64Ptr is a literal helper for optional mtimes.
func Float64Ptr(v float64) *float64 { return &v }

// StringPtr is a literal helper for optional filenames.
func StringPtr(v string) *string { return &v }

// IsEmpty reports whether the status carries no information at all.
func (s FileStatus) IsEmpty() bool {
	return s.Size == nil && s.Mtime == nil && len(s.Digests) == 0 && s.Filename == nil
}

// Equals compares two statuses field by field. A field is compared only
// when present on both sides. Mtimes within a second of each other are
// equal when either side is integral, tolerating filesystems that drop
// sub-second precision. An empty status equals nothing, not even another
// empty status: with no fields there is no evidence of sameness.
func (s FileStatus) Equals(other FileStatus) bool {
	if s.IsEmpty() || other.IsEmpty() {
		return false
	}

	compared := 0

	if s.Size != nil && other.Size != nil {
		if *s.Size != *other.Size {
			return false
		}
		compared++
	}

	if s.Mtime != nil && other.Mtime != nil {
		if !mtimeEqual(*s.Mtime, *other.Mtime) {
			return false
		}
		compared++
	}

	if s.Filename != nil && other.Filename != nil {
		if *s.Filename != *other.Filename {
			return false
		}
		compared++
	}

	for algo, digest := range s.Digests {
		otherDigest, ok := other.Digests[algo]
		if !ok {
			continue
		}

		if digest != otherDigest {
			return false
		}
		compared++
	}

	return compared > 0
}

func mtimeEqual(a, b float64) bool {
	if a == b {
		return true
	}

	// One side lost its fractional part on a coarse filesystem.
	if a == math.Trunc(a) || b == math.Trunc(b) {
		return math.Abs(a-b) < 1
	}

	return false
}
