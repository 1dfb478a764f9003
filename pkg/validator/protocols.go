package validator

import "strings"

var knownProtocols = map[string]bool{
	"snmp":  true,
	"http":  true,
	"https": true,
	"tcp":   true,
	"dns":   true,
}

// NormalizeProtocol lowercases and trims a protocol or capability tag.
func NormalizeProtocol(protocol string) string {
	return strings.ToLower(strings.TrimSpace(protocol))
}

func ValidateProtocol(protocol string) bool {
	return knownProtocols[NormalizeProtocol(protocol)]
}

// NormalizeCapabilities returns the distinct, non-empty capability tags in
// their original order.
func NormalizeCapabilities(capabilities []string) []string {
	seen := make(map[string]bool, len(capabilities))
	out := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		c = NormalizeProtocol(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
