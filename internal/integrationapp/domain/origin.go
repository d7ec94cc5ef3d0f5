package domain

import (
	"net/url"
	"strings"
)

// NormalizeOrigin reduces an origin to its lower-cased scheme://host[:port] form.
func NormalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", false
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}

// OriginOf returns the normalized origin of an absolute URL.
func OriginOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}

// AllowsReturnTo reports whether raw points at one of the app's allowed
// origins or at its configured redirect URL origin.
func (a *App) AllowsReturnTo(raw string) bool {
	origin, ok := OriginOf(raw)
	if !ok {
		return false
	}
	for _, allowed := range a.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	if redirect, ok := OriginOf(a.RedirectURL); ok && redirect == origin {
		return true
	}
	return false
}
