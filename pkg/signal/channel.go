package signal

import (
	"strings"
	"unicode"
)

// DefaultChannel is joined right after registration.
const DefaultChannel = "#general"

// maxChannelLen bounds channel names, prefix included.
const maxChannelLen = 64

// NormalizeChannel trims the name and ensures the leading '#'
func NormalizeChannel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return name
}

// ValidateChannel checks a normalized channel name: a '#' followed by at
// least one character, no whitespace, bounded length.
func ValidateChannel(name string) bool {
	if len(name) < 2 || len(name) > maxChannelLen || name[0] != '#' {
		return false
	}
	return !strings.ContainsFunc(name, unicode.IsSpace)
}
