// Package version holds build-time version info injected via ldflags:
//
//	go build -ldflags "-X github.com/NicolasHaas/tgbridge/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/tgbridge/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/tgbridge/pkg/version.date=2026-01-01"
package version

var (
	tag    = ""        // git tag, empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

// Info is the build metadata reported by `tgbridge version` and /healthz.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get returns the build metadata.
func Get() Info {
	return Info{Version: String(), Commit: commit, Date: date}
}

// String returns the tag, else the commit, else "dev".
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	return "dev"
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	if tag != "" {
		return tag + " (" + commit + ") built " + date
	}
	if commit != "unknown" {
		return commit + " built " + date
	}
	return "dev"
}
