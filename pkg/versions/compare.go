package versions

import (
	"strconv"
	"strings"
)

// Compare orders version strings segment-wise: numeric runs compare as
// numbers, everything else lexicographically. It returns -1, 0 or 1. The
// empty string (unversioned) sorts before everything.
func Compare(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}

	at := tokenize(a)
	bt := tokenize(b)

	for i := 0; i < len(at) && i < len(bt); i++ {
		an, aIsNum := parseNum(at[i])
		bn, bIsNum := parseNum(bt[i])

		switch {
		case aIsNum && bIsNum:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		case aIsNum != bIsNum:
			// Numeric segments sort after bare text ("rc" < "1").
			if aIsNum {
				return 1
			}
			return -1
		default:
			if c := strings.Compare(at[i], bt[i]); c != 0 {
				return c
			}
		}
	}

	switch {
	case len(at) < len(bt):
		return -1
	case len(at) > len(bt):
		return 1
	}

	return 0
}

// tokenize splits "R1.0.10-beta" into ["R", "1", "0", "10", "beta"].
func tokenize(v string) []string {
	var tokens []string
	var current strings.Builder
	var digits bool

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			if !digits {
				flush()
			}
			digits = true
			current.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			flush()
			digits = false
		default:
			if digits {
				flush()
			}
			digits = false
			current.WriteRune(r)
		}
	}
	flush()

	return tokens
}

func parseNum(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
