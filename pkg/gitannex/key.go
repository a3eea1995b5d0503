package gitannex

import (
	"strconv"
	"strings"
)

// Key is a parsed annex content key, e.g. "MD5E-s1234--d41d8...e.tar.gz".
// Identical bytes yield an identical key regardless of filename, which is
// the dedup unit for archive caching and already-fetched checks.
type Key struct {
	Name    string
	Backend string
	Size    *int64
	Hash    string
}

// ParseKey splits an annex key into backend, declared size and hash. Keys
// that do not follow the BACKEND[-sSIZE]--HASH layout come back with only
// Name set.
func ParseKey(raw string) Key {
	key := Key{Name: raw}

	head, hash, ok := strings.Cut(raw, "--")
	if !ok {
		return key
	}

	key.Hash = hash

	// Extension-carrying backends (MD5E, SHA256E) append the source file
	// extension to the hash part; the hash proper is the first dot-field.
	if dot := strings.IndexByte(hash, '.'); dot > 0 {
		key.Hash = hash[:dot]
	}

	fields := strings.Split(head, "-")
	key.Backend = fields[0]

	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "s") {
			if size, err := strconv.ParseInt(f[1:], 10, 64); err == nil {
				key.Size = &size
			}
		}
	}

	return key
}

// DigestAlgo maps the key backend to the digest algorithm it embeds, or ""
// for backends that are not plain hashes (WORM, URL).
func (k Key) DigestAlgo() string {
	backend := strings.TrimSuffix(k.Backend, "E")
	switch backend {
	case "MD5", "SHA1", "SHA256", "SHA512":
		return strings.ToLower(backend)
	}

	return ""
}
