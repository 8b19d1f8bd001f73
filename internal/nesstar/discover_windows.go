//go:build windows

package nesstar

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// wellKnownExePaths are the converter's default install locations, probed
// before the registry.
var wellKnownExePaths = []string{
	`C:\Program Files (x86)\Nesstar Publisher 4.0\NesstarPublisher.exe`,
	`C:\Program Files\Nesstar Publisher 4.0\NesstarPublisher.exe`,
	`C:\Program Files (x86)\Nesstar Publisher\NesstarPublisher.exe`,
	`C:\Program Files\Nesstar Publisher\NesstarPublisher.exe`,
}

// DiscoverConverter locates the vendor converter executable: well-known
// install paths first, then the uninstall registry hives.
func DiscoverConverter() (string, error) {
	for _, p := range wellKnownExePaths {
		if fileExists(p) {
			return p, nil
		}
	}

	keys := []string{
		`SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall`,
		`SOFTWARE\WOW6432Node\Microsoft\Windows\CurrentVersion\Uninstall`,
	}
	for _, root := range keys {
		if exe := probeUninstallHive(root); exe != "" {
			return exe, nil
		}
	}
	return "", os.ErrNotExist
}

func probeUninstallHive(root string) string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, root, registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		return ""
	}
	defer k.Close()

	names, err := k.ReadSubKeyNames(-1)
	if err != nil {
		return ""
	}
	for _, name := range names {
		sub, err := registry.OpenKey(registry.LOCAL_MACHINE, root+`\`+name, registry.QUERY_VALUE)
		if err != nil {
			continue
		}
		display, _, _ := sub.GetStringValue("DisplayName")
		location, _, _ := sub.GetStringValue("InstallLocation")
		sub.Close()

		if !strings.Contains(strings.ToLower(display), "nesstar") || location == "" {
			continue
		}
		exe := filepath.Join(location, "NesstarPublisher.exe")
		if fileExists(exe) {
			return exe
		}
	}
	return ""
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
