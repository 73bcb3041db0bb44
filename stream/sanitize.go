package stream

import (
	"path/filepath"
	"strings"
)

const illegalChars = `<>:"/\|?*`

var reservedDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeFileName strips characters that are illegal or awkward across
// common filesystems, splitting the name from its extension so each is
// cleaned independently. Falls back to defaultName if the cleaned base
// name is empty (grounded on the reference implementation's
// sanitize_file_name / RE_ILLEGAL_FILENAME_CHARS,
// original_source/lbry/stream/descriptor.py).
func SanitizeFileName(dirty, defaultName string) string {
	ext := filepath.Ext(dirty)
	base := strings.TrimSuffix(dirty, ext)

	base = stripIllegal(base)
	ext = stripIllegal(ext)

	if base == "" {
		return defaultName
	}
	if len(ext) > 1 {
		return base + ext
	}
	return base
}

func stripIllegal(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r <= 0x1F {
			continue
		}
		if strings.ContainsRune(illegalChars, r) {
			continue
		}
		b.WriteRune(r)
	}

	out := strings.TrimSpace(b.String())
	out = strings.TrimRight(out, ".")
	out = strings.TrimSpace(out)

	if reservedDeviceNames[strings.ToUpper(out)] {
		return ""
	}
	return out
}
