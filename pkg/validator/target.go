package validator

import (
	"net"
	"net/url"
	"strings"
)

// ValidateTarget accepts host:port pairs, http(s) URLs and bare host names.
func ValidateTarget(target string) bool {
	if target == "" {
		return false
	}

	// host:port, e.g. 192.168.1.1:161
	if _, _, err := net.SplitHostPort(target); err == nil {
		return true
	}

	// http://api.example.com
	if u, err := url.Parse(target); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return u.Host != ""
	}

	// bare host, e.g. router.local or 10.0.0.1
	return !strings.Contains(target, "://") && !strings.ContainsAny(target, " \t\n")
}

// ValidateIP reports whether ip is a literal IPv4 or IPv6 address.
func ValidateIP(ip string) bool {
	return net.ParseIP(strings.TrimSpace(ip)) != nil
}
