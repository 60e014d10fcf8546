package dicomfs

import "strings"

// Sidecar files and directories the host desktop probes for. Any path
// containing one of these never reaches the cache or the remote store.
var forbidden = map[string][]string{
	"linux":   {"Trash", "hidden", "autorun.inf", ".xdg-volume-info"},
	"windows": {"autorun.inf", "desktop.ini", "AutoRun.inf", ".jpg", ".gif"},
	"darwin": {
		".localized", "hidden", "icloud", "Contents", ".metadata_never_index",
		".Spotlight-V100", ".ql_disablethumbnails", ".ql_disablecache",
	},
}

// ForbiddenFor returns the deny-list of goos.
func ForbiddenFor(goos string) []string {
	return append([]string(nil), forbidden[goos]...)
}

func isForbidden(path string, deny []string) bool {
	for _, s := range deny {
		if strings.Contains(path, s) {
			return true
		}
	}
	return false
}
