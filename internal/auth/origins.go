// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"net/url"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Environment variables consulted when building the trusted-origin list.
const (
	// EnvAppURL holds the public URL of the web application.
	EnvAppURL = "NEXT_PUBLIC_APP_URL"

	// EnvDeploymentHost holds the hostname assigned by the deployment platform
	// (without scheme), e.g. "preview123.vercel.app".
	EnvDeploymentHost = "VERCEL_URL"
)

// Origin defaults.
const (
	DefaultAppURL  = "http://localhost:3000"
	LoopbackOrigin = "http://127.0.0.1:3000"
)

// LookupFunc reports the value of an environment variable and whether it is set.
// os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// TrustedOriginsFromEnv builds the trusted-origin list:
//
//	[app URL (or DefaultAppURL when unset), "https://"+deployment host (when set), LoopbackOrigin]
//
// Empty entries are dropped and the order of the rest is kept. An app URL
// variable that is set but empty yields no entry, the default only applies
// when the variable is absent.
func TrustedOriginsFromEnv(lookup LookupFunc) []string {
	appURL, ok := lookup(EnvAppURL)
	if !ok {
		appURL = DefaultAppURL
	}

	var deployment string
	if host, _ := lookup(EnvDeploymentHost); host != "" {
		deployment = "https://" + host
	}

	return CompactOrigins(appURL, deployment, LoopbackOrigin)
}

// CompactOrigins returns the non-empty candidates in their original order.
func CompactOrigins(candidates ...string) []string {
	origins := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" {
			continue
		}
		origins = append(origins, c)
	}
	return origins
}

// ValidateOrigin checks that an origin is an absolute http(s) URL with a host
// and nothing after it. Entries may contain "*" wildcards in the host part.
func ValidateOrigin(origin string) error {
	if origin == "" {
		return oops.Code("AUTH_ORIGIN_INVALID").Errorf("origin cannot be empty")
	}
	u, err := url.Parse(strings.ReplaceAll(origin, "*", "wildcard"))
	if err != nil {
		return oops.Code("AUTH_ORIGIN_INVALID").With("origin", origin).Wrap(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return oops.Code("AUTH_ORIGIN_INVALID").
			With("origin", origin).
			Errorf("origin scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return oops.Code("AUTH_ORIGIN_INVALID").With("origin", origin).Errorf("origin must have a host")
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return oops.Code("AUTH_ORIGIN_INVALID").
			With("origin", origin).
			Errorf("origin must not contain userinfo, path, query or fragment")
	}
	return nil
}

// NormalizeOrigin reduces a URL or origin to "scheme://host[:port]" in lower
// case, dropping default ports. Returns "" when raw is not an absolute URL.
func NormalizeOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + host + ":" + port
	}
	return scheme + "://" + host
}

// OriginMatcher decides whether a request origin is in the trusted list.
type OriginMatcher struct {
	exact    map[string]struct{}
	patterns []glob.Glob
}

// NewOriginMatcher compiles the trusted origins. Wildcard entries such as
// "https://*.vercel.app" match a single DNS label per "*".
func NewOriginMatcher(origins []string) (*OriginMatcher, error) {
	m := &OriginMatcher{exact: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		if err := ValidateOrigin(origin); err != nil {
			return nil, err
		}
		if strings.Contains(origin, "*") {
			g, err := glob.Compile(strings.TrimSuffix(strings.ToLower(origin), "/"), '.')
			if err != nil {
				return nil, oops.Code("AUTH_ORIGIN_INVALID").With("origin", origin).Wrap(err)
			}
			m.patterns = append(m.patterns, g)
			continue
		}
		m.exact[NormalizeOrigin(origin)] = struct{}{}
	}
	return m, nil
}

// Allows reports whether origin (an Origin header or any absolute URL) is trusted.
func (m *OriginMatcher) Allows(origin string) bool {
	normalized := NormalizeOrigin(origin)
	if normalized == "" {
		return false
	}
	if _, ok := m.exact[normalized]; ok {
		return true
	}
	for _, g := range m.patterns {
		if g.Match(normalized) {
			return true
		}
	}
	return false
}
