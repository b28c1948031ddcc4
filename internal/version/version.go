// Package version carries the build identity the linker stamps into every
// pipeline binary; each CLI prints it behind -version.
package version

var (
	// Version is the release tag, "dev" when built locally.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime records when the binary was linked.
	BuildTime = "unknown"
)
