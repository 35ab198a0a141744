package protocol

import (
	"jobsupervisor/internal/job"
	"strings"

	"golang.org/x/mod/semver"
)

// DefaultMinCurrentVersion is the first runner release speaking the current dialect.
const DefaultMinCurrentVersion = "0.19.0"

// DetectDialect picks the dialect from a runner's reported version. Versions
// that do not parse (development builds, "latest") are assumed current.
func DetectDialect(version, minCurrent string) job.Dialect {
	v := canonical(version)
	if !semver.IsValid(v) {
		return job.DialectCurrent
	}
	min := canonical(minCurrent)
	if !semver.IsValid(min) {
		min = canonical(DefaultMinCurrentVersion)
	}
	if semver.Compare(v, min) < 0 {
		return job.DialectLegacy
	}
	return job.DialectCurrent
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
