package engine

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// NavigationPolicy restricts goto targets with host glob patterns. Deny
// patterns win; with no allow patterns every host not denied is allowed.
type NavigationPolicy struct {
	allowed []glob.Glob
	denied  []glob.Glob
}

// NewNavigationPolicy compiles allow and deny host patterns such as
// "*.example.com".
func NewNavigationPolicy(allow, deny []string) (*NavigationPolicy, error) {
	p := &NavigationPolicy{}
	for _, pattern := range allow {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed pattern '%s': %w", pattern, err)
		}
		p.allowed = append(p.allowed, g)
	}
	for _, pattern := range deny {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid denied pattern '%s': %w", pattern, err)
		}
		p.denied = append(p.denied, g)
	}
	return p, nil
}

// Allowed reports whether rawURL may be opened. A nil policy allows all.
func (p *NavigationPolicy) Allowed(rawURL string) bool {
	if p == nil {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())

	for _, g := range p.denied {
		if g.Match(host) {
			return false
		}
	}
	if len(p.allowed) == 0 {
		return true
	}
	for _, g := range p.allowed {
		if g.Match(host) {
			return true
		}
	}
	return false
}
