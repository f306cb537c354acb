// Package version holds the build version, overridden at release time
// via -ldflags "-X github.com/risunCode/downaria/internal/core/version.Version=...".
package version

var Version = "0.1.0-dev"
