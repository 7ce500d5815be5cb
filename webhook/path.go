package webhook

import (
	"regexp"
	"strings"
)

var (
	// 录制-12345-20240501-100000-123-title.flv
	fileRoomPattern = regexp.MustCompile(`(?:^|[^0-9])([0-9]+)-[0-9]{8}-[0-9]{6}(?:-[0-9]{3})?(?:-|\.|$)`)
	// 12345-streamer/
	dirRoomPattern = regexp.MustCompile(`^([0-9]+)-`)
)

// RoomIDFromPath extracts a room id from a recorder output path using the
// default file name template. It is a fallback for events that omit RoomId.
func RoomIDFromPath(p string) (string, bool) {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if p == "" {
		return "", false
	}
	base := p
	if i := strings.LastIndex(p, "/"); i >= 0 {
		base = p[i+1:]
	}
	if m := fileRoomPattern.FindStringSubmatch(base); m != nil {
		return m[1], true
	}
	if i := strings.LastIndex(p, "/"); i > 0 {
		dir := p[:i]
		if j := strings.LastIndex(dir, "/"); j >= 0 {
			dir = dir[j+1:]
		}
		if m := dirRoomPattern.FindStringSubmatch(dir); m != nil {
			return m[1], true
		}
	}
	return "", false
}
