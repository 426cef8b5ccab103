package util

import "net/url"

// SameHost reports whether two URLs share a hostname. Redirect URIs supplied
// at authorization time may differ from the registered one in path or query,
// but must point at the same host. Unparseable URLs never match.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() != "" && ua.Hostname() == ub.Hostname()
}
