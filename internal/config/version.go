package config

import "runtime"

// Build metadata, stamped via -ldflags at release time.
var (
	Version   = "dev"
	Revision  = "unknown"
	BuildTime = "unknown"
)

// ShortRevision returns the first 8 characters of the revision hash.
func ShortRevision() string {
	if len(Revision) > 8 {
		return Revision[:8]
	}
	return Revision
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}

// SemVersion returns the version prefixed with "v" for semver comparison.
func SemVersion() string {
	if len(Version) > 0 && Version[0] == 'v' {
		return Version
	}
	return "v" + Version
}
