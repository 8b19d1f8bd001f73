//go:build !windows

package nesstar

import "errors"

// DiscoverConverter is a Windows-only feature; the vendor converter has no
// release for other platforms.
func DiscoverConverter() (string, error) {
	return "", errors.New("nesstar: converter discovery is only available on windows")
}
