// Package version carries the build version, set at link time via
// -ldflags "-X meetscribe/internal/version.Version=...".
package version

var Version = "dev"
