package common

// Version information set at build time via -ldflags
var (
	version = "0.1.0-dev"
	build   = "local"
)

// GetVersion returns the current version string
func GetVersion() string {
	return version
}

// GetBuild returns the build identifier
func GetBuild() string {
	return build
}
