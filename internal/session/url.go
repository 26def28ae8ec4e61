package session

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedSchemes = []string{"file", "javascript", "data", "chrome", "about"}

const searchURL = "https://duckduckgo.com/?q="

// NormalizeURL turns raw user input into something a browser can open.
// Dangerous schemes are rejected outright; bare domains get https; anything
// else becomes a search query.
func NormalizeURL(raw string) (string, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return "", ErrMissingURL
	}

	lower := strings.ToLower(input)
	for _, scheme := range blockedSchemes {
		if strings.HasPrefix(lower, scheme+":") {
			return "", fmt.Errorf("%w: %s:", ErrBlockedProtocol, scheme)
		}
	}

	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return input, nil
	}

	if strings.Contains(input, ".") && !strings.ContainsAny(input, " \t") {
		return "https://" + input, nil
	}

	return searchURL + url.QueryEscape(input), nil
}

// AnonymizeIP wildcards the last IPv4 octet or the last IPv6 hextet. The raw
// IP stays inside the policy layer.
func AnonymizeIP(raw string) string {
	ip := net.ParseIP(raw)
	if ip == nil {
		return "unknown"
	}

	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		parts[len(parts)-1] = "*"
		return strings.Join(parts, ".")
	}

	parts := strings.Split(ip.String(), ":")
	parts[len(parts)-1] = "*"
	return strings.Join(parts, ":")
}
