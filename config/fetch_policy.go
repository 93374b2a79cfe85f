package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// FetchPolicyConfig lists domains whose pages are never fetched. Results from
// these hosts keep their search snippet instead of extracted page text.
type FetchPolicyConfig struct {
	Skip    []string `mapstructure:"skip"`    // hosts that block or throttle scrapers
	Paywall []string `mapstructure:"paywall"` // hosts whose full text sits behind a paywall
}

// Normalize cleans entries and removes duplicates.
func (c FetchPolicyConfig) Normalize() FetchPolicyConfig {
	norm := c
	norm.Skip = sanitizeHostList(norm.Skip)
	norm.Paywall = sanitizeHostList(norm.Paywall)
	return norm
}

// Validate ensures configured policy entries are well-formed and disjoint.
func (c FetchPolicyConfig) Validate() error {
	norm := c.Normalize()

	skip := make(map[string]struct{}, len(norm.Skip))
	for _, host := range norm.Skip {
		skip[host] = struct{}{}
	}
	for _, host := range norm.Paywall {
		if host == "" {
			return fmt.Errorf("fetch policy paywall entry must not be empty")
		}
		if _, ok := skip[host]; ok {
			return fmt.Errorf("fetch policy conflict: host %q present in both skip and paywall lists", host)
		}
	}
	return nil
}

// SkipFetch reports whether the given URL's host is covered by the policy.
// Entries match the host exactly and any of its subdomains.
func (c FetchPolicyConfig) SkipFetch(rawURL string) bool {
	host := normalizePolicyHost(rawURL)
	if host == "" {
		return false
	}
	for _, entry := range c.Skip {
		if hostMatches(host, entry) {
			return true
		}
	}
	for _, entry := range c.Paywall {
		if hostMatches(host, entry) {
			return true
		}
	}
	return false
}

func hostMatches(host, entry string) bool {
	return host == entry || strings.HasSuffix(host, "."+entry)
}

func sanitizeHostList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		host := normalizePolicyHost(raw)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func normalizePolicyHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		}
	}
	if i := strings.IndexAny(value, "/?#"); i >= 0 {
		value = value[:i]
	}
	value = strings.TrimPrefix(value, "www.")
	return value
}
