package namespace

import (
	"path"
	"strconv"
	"strings"
)

// Canonicalize normalises p to the namespace's canonical form:
// forward-slash separator, single leading slash, no trailing slash
// except for root itself.
func Canonicalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	if p == "." {
		p = "/"
	}
	return p
}

// Split breaks a canonical path into its segments, e.g. "/a/b" -> ["a","b"].
// Root ("/") yields an empty slice.
func Split(canonical string) []string {
	trimmed := strings.Trim(canonical, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// foldKey returns the case-insensitive comparison key for a single path
// segment.
func foldKey(segment string) string {
	return strings.ToLower(segment)
}

var invalidNameChars = "<>:\"/\\|?*"

var reservedDeviceNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

const maxNameLength = 255

// SanitizeLeaf implements SPEC_FULL.md §4.D leaf sanitisation: replace
// reserved characters with "_"; trim trailing spaces/dots; rename
// reserved device-name stems; truncate to 255 chars keeping the
// extension.
func SanitizeLeaf(name string) string {
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(invalidNameChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	name = b.String()
	name = strings.TrimRight(name, " .")
	if name == "" {
		name = "_"
	}

	ext := ""
	stem := name
	if i := strings.LastIndex(name, "."); i > 0 {
		stem = name[:i]
		ext = name[i:]
	}
	if reservedDeviceNames[strings.ToUpper(stem)] {
		stem += "_File"
		name = stem + ext
	}

	if len(name) > maxNameLength {
		overflow := len(name) - maxNameLength
		if len(stem) > overflow {
			stem = stem[:len(stem)-overflow]
		} else {
			stem = ""
		}
		name = stem + ext
		if len(name) > maxNameLength {
			name = name[:maxNameLength]
		}
	}
	return name
}

// Deduplicate returns a name distinct from every name in existing
// (compared case-insensitively), appending " (1)", " (2)", ... as
// needed, matching the collision policy for both files and folders.
func Deduplicate(name string, existing map[string]bool) string {
	if !existing[foldKey(name)] {
		return name
	}
	ext := ""
	stem := name
	if i := strings.LastIndex(name, "."); i > 0 {
		stem = name[:i]
		ext = name[i:]
	}
	for n := 1; ; n++ {
		candidate := stem + " (" + strconv.Itoa(n) + ")" + ext
		if !existing[foldKey(candidate)] {
			return candidate
		}
	}
}
