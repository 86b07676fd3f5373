// Package naming derives provider-compliant resource names from free text.
package naming

import "strings"

const (
	// Separator is the only non-alphanumeric character allowed in names.
	Separator = '-'

	// MaxBucketLen is the bucket name limit shared by GCS and S3.
	MaxBucketLen = 63
	// MaxResourceLen is the disk/instance name limit (RFC 1035 label).
	MaxResourceLen = 63
	// MaxPrefixLen bounds the object-key prefix.
	MaxPrefixLen = 200

	resourcePrefix = "snapex"
	deviceName     = "snapex-src"
)

// Sanitize lower-cases s, collapses every run of characters outside [a-z0-9]
// into a single separator, truncates to maxLen and trims separators at both ends.
func Sanitize(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))

	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte(Separator)
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	out := b.String()
	if maxLen > 0 && len(out) > maxLen {
		out = out[:maxLen]
	}
	return strings.TrimRight(out, string(Separator))
}

// Names are the identifiers of every resource a session owns.
type Names struct {
	Bucket     string
	Disk       string
	Instance   string
	DeviceName string
	Prefix     string
}

// ResourceNames derives the session's names from the alias (or, without one,
// the snapshot identifier) and the session suffix. The suffix keeps names
// unique across sessions of the same snapshot.
func ResourceNames(snapshot, alias, suffix string) Names {
	base := Sanitize(alias, 0)
	if base == "" {
		base = Sanitize(snapshot, 0)
	}
	suffix = Sanitize(suffix, 0)

	return Names{
		Bucket:     withSuffix(resourcePrefix+"-"+base, suffix, MaxBucketLen),
		Disk:       withSuffix(resourcePrefix+"-disk-"+base, suffix, MaxResourceLen),
		Instance:   withSuffix(resourcePrefix+"-vm-"+base, suffix, MaxResourceLen),
		DeviceName: deviceName,
		Prefix:     withSuffix(base, suffix, MaxPrefixLen),
	}
}

// withSuffix truncates base so that base-suffix fits in maxLen. The suffix is
// never cut, which is what keeps the name unique.
func withSuffix(base, suffix string, maxLen int) string {
	if suffix == "" {
		return Sanitize(base, maxLen)
	}
	room := maxLen - len(suffix) - 1
	trimmed := Sanitize(base, room)
	if trimmed == "" {
		return Sanitize(suffix, maxLen)
	}
	return trimmed + string(Separator) + suffix
}

// Valid reports whether name only uses the permitted charset, fits maxLen and
// neither starts nor ends with a separator.
func Valid(name string, maxLen int) bool {
	if name == "" || len(name) > maxLen {
		return false
	}
	if name[0] == Separator || name[len(name)-1] == Separator {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == Separator) {
			return false
		}
	}
	return true
}
