package matchspec

import "github.com/AlexanderEkdahl/solvent/internal/version"

// Noarch classifies a package as platform-specific or not, per spec.md
// §3.3.
type Noarch int

const (
	NoarchNo Noarch = iota
	NoarchGeneric
	NoarchPython
)

func (n Noarch) String() string {
	switch n {
	case NoarchGeneric:
		return "generic"
	case NoarchPython:
		return "python"
	default:
		return "no"
	}
}

// millisecondEpochThreshold is the largest plausible second-resolution
// Unix timestamp (9999-12-31T23:59:59Z); anything larger is assumed to
// be milliseconds, per spec.md §3.3.
const millisecondEpochThreshold = 253402300799

// PackageInfo is the record shape shared by the repository index loader,
// the prefix's installed records, and the solver's package database.
type PackageInfo struct {
	Name          string
	Version       version.Version
	BuildString   string
	BuildNumber   uint64
	ChannelID     string
	Platform      string
	Depends       []string
	Constrains    []string
	TrackFeatures []string
	Noarch        Noarch
	Timestamp     int64
	Size          int64
	MD5           string
	SHA256        string
	Filename      string
	PackageURL    string
	License       string
	Signatures    map[string]any
}

// NormalizedTimestamp returns Timestamp converted to seconds if it was
// recorded in milliseconds.
func (p PackageInfo) NormalizedTimestamp() int64 {
	if p.Timestamp > millisecondEpochThreshold {
		return p.Timestamp / 1000
	}
	return p.Timestamp
}

// CacheKey returns the identity used by the content-addressed package
// cache: sha256 when available, else md5, else the filename.
func (p PackageInfo) CacheKey() string {
	if p.SHA256 != "" {
		return p.SHA256
	}
	if p.MD5 != "" {
		return p.MD5
	}
	return p.Filename
}

// CondaBuildForm renders the canonical "name=version=build" form used
// as the round-trip fixture for MatchSpec identity (spec.md §8).
func (p PackageInfo) CondaBuildForm() string {
	return p.Name + "=" + p.Version.String() + "=" + p.BuildString
}
