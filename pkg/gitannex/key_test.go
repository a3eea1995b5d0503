package gitannex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		backend  string
		size     int64
		hasSize  bool
		hash     string
	}{
		{
			name:    "extension-carrying backend",
			raw:     "MD5E-s1024--d41d8cd98f00b204e9800998ecf8427e.tar.gz",
			backend: "MD5E",
			size:    1024,
			hasSize: true,
			hash:    "d41d8cd98f00b204e9800998ecf8427e",
		},
		{
			name:    "plain sha256",
			raw:     "SHA256-s7--aabbcc",
			backend: "SHA256",
			size:    7,
			hasSize: true,
			hash:    "aabbcc",
		},
		{
			name:    "no size field",
			raw:     "SHA1--ffee",
			backend: "SHA1",
			hash:    "ffee",
		},
		{
			name: "not a key",
			raw:  "just-a-file.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := ParseKey(tt.raw)

			assert.Equal(t, tt.raw, key.Name)
			assert.Equal(t, tt.backend, key.Backend)
			assert.Equal(t, tt.hash, key.Hash)

			if tt.hasSize {
				require.NotNil(t, key.Size)
				assert.Equal(t, tt.size, *key.Size)
			} else {
				assert.Nil(t, key.Size)
			}
		})
	}
}

func TestKey_DigestAlgo(t *testing.T) {
	assert.Equal(t, "md5", ParseKey("MD5E-s1--aa.zip").DigestAlgo())
	assert.Equal(t, "sha256", ParseKey("SHA256-s1--bb").DigestAlgo())
	assert.Equal(t, "", ParseKey("WORM-s1--cc").DigestAlgo())
	assert.Equal(t, "", ParseKey("URL--http&c%%x").DigestAlgo())
}
