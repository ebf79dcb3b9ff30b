package server

import (
	"strconv"
	"strings"
)

// clientVersion is the parsed form of the cv string clients send with meta:
// "client,version,platform", where version may carry a pre-release tag like
// "2.13.1alpha10".
type clientVersion struct {
	client string
	nums   []int
	alpha  int
	beta   int
	rc     int
}

// parseClientVersion splits cv and extracts the numeric version, separating
// out any alpha/beta/rc counter. Malformed strings yield a zero value, which
// the gate treats as an unknown (accepted) client.
func parseClientVersion(cv string) clientVersion {
	parts := strings.SplitN(cv, ",", 3)
	if len(parts) < 2 {
		return clientVersion{}
	}

	v := clientVersion{client: parts[0]}
	version := parts[1]

	for _, tag := range []string{"alpha", "beta", "rc"} {
		idx := strings.Index(version, tag)
		if idx < 0 {
			continue
		}

		counter, _ := strconv.Atoi(version[idx+len(tag):])

		switch tag {
		case "alpha":
			v.alpha = counter
		case "beta":
			v.beta = counter
		case "rc":
			v.rc = counter
		}

		version = version[:idx]
	}

	// Strip anything from the first character that is neither a digit nor
	// a dot, so suffixes like "2.1.49 (dev)" still parse.
	for i, r := range version {
		if (r < '0' || r > '9') && r != '.' {
			version = version[:i]
			break
		}
	}

	for _, part := range strings.Split(version, ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}

		v.nums = append(v.nums, n)
	}

	return v
}

// oldClient reports whether cv identifies a client too old to sync with.
// Desktop clients before 2.0.27 and Android clients before 2.2.3 are
// rejected; the 2.3 Android alphas are accepted from alpha 4 on. Unknown
// clients are assumed current.
func oldClient(cv string) bool {
	if cv == "" {
		return false
	}

	v := parseClientVersion(cv)

	switch v.client {
	case "ankidesktop":
		return versionLess(v.nums, []int{2, 0, 27})
	case "ankidroid":
		if versionEqual(v.nums, []int{2, 3}) || versionEqual(v.nums, []int{2, 3, 0}) {
			if v.alpha > 0 {
				return v.alpha < 4
			}

			return false
		}

		return versionLess(v.nums, []int{2, 2, 3})
	default:
		return false
	}
}

// versionLess compares dotted version components the way list comparison
// does: element by element, with the shorter list losing a tie.
func versionLess(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return len(a) < len(b)
}

func versionEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
