package evhttp

import "github.com/Masterminds/semver/v3"

var version = semver.MustParse("1.0.0")

// Version returns the library version.
func Version() string {
	return version.String()
}
