package bundle

import "strings"

// detectLicense matches the lower-cased license text against an ordered list
// of phrase signatures, first match wins. Deliberately conservative: fairly
// specific phrases are required so an unknown license yields "" rather than a
// guess.
func detectLicense(text string) string {
	t := strings.ToLower(text)
	if strings.TrimSpace(t) == "" {
		return ""
	}

	switch {
	case strings.Contains(t, "mit license"),
		strings.Contains(t, "permission is hereby granted, free of charge"):
		return "MIT"

	case strings.Contains(t, "apache license") && strings.Contains(t, "version 2.0"),
		strings.Contains(t, "apache-2.0"):
		return "Apache-2.0"

	case strings.Contains(t, "redistribution and use in source and binary forms"):
		if strings.Contains(t, "neither the name of the") ||
			strings.Contains(t, "neither the name nor the names") {
			return "BSD-3-Clause"
		}

		return "BSD-2-Clause"

	case strings.Contains(t, "gnu general public license"):
		switch {
		case strings.Contains(t, "version 3"),
			strings.Contains(t, "gpl version 3"),
			strings.Contains(t, "gplv3"):
			return "GPL-3.0"
		case strings.Contains(t, "version 2"),
			strings.Contains(t, "gpl version 2"),
			strings.Contains(t, "gplv2"):
			return "GPL-2.0"
		}

		return "GPL"

	case strings.Contains(t, "gnu lesser general public license"),
		strings.Contains(t, "lgpl"):
		if strings.Contains(t, "version 3") || strings.Contains(t, "lgplv3") {
			return "LGPL-3.0"
		}

		return "LGPL"

	case strings.Contains(t, "mozilla public license"):
		return "MPL-2.0"

	case strings.Contains(t, "isc license"),
		strings.Contains(t, "permission to use, copy, modify") &&
			strings.Contains(t, "the author and contributors"):
		return "ISC"

	case strings.Contains(t, "this is free and unencumbered software released into the public domain"),
		strings.Contains(t, "unlicense"):
		return "Unlicense"
	}

	return ""
}
