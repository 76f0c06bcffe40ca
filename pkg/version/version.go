// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/gotalk/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/gotalk/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/gotalk/pkg/version.date=2026-01-01" ./cmd/server
package version

import "runtime/debug"

// Populated by -ldflags "-X ...".
var (
	tag    = ""        // git tag, empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

// String returns the tag, the commit, or the main module version recorded by
// `go install`, falling back to "dev".
func String() string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" {
		return commit
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Full returns "gotalk <version>" plus commit and build date when known.
func Full() string {
	s := "gotalk " + String()
	if tag != "" && commit != "unknown" {
		s += " (" + commit + ")"
	}
	if date != "unknown" {
		s += " built " + date
	}
	return s
}
