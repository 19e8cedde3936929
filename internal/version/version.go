// Package version provides the server's version string.
// The version is set at build time via -ldflags.
package version

// Version is the current server version.
// Override at build time: go build -ldflags "-X github.com/kvnode/keydb/internal/version.Version=2.0.0"
var Version = "0.1.0"

// BuildTime is the build timestamp.
// Override at build time: go build -ldflags "-X github.com/kvnode/keydb/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = "unknown"
