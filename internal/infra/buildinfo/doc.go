// Package buildinfo reports the version of the running snapkeeper binary.
//
// Release builds inject the version via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/snapkeeper/internal/infra/buildinfo.Version=v0.3.0"
//
// Untagged builds fall back to the VCS metadata the Go toolchain embeds.
package buildinfo
