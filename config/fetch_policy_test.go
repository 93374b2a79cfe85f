package config

import "testing"

func TestFetchPolicyNormalize(t *testing.T) {
	cfg := FetchPolicyConfig{
		Skip:    []string{"Example.com", "https://news.example.com", "www.Example.com"},
		Paywall: []string{"Paywall.com", "PAYWALL.COM"},
	}

	norm := cfg.Normalize()
	if len(norm.Skip) != 2 || norm.Skip[0] != "example.com" || norm.Skip[1] != "news.example.com" {
		t.Fatalf("unexpected skip list: %#v", norm.Skip)
	}
	if len(norm.Paywall) != 1 || norm.Paywall[0] != "paywall.com" {
		t.Fatalf("unexpected paywall list: %#v", norm.Paywall)
	}
}

func TestFetchPolicyValidate(t *testing.T) {
	valid := FetchPolicyConfig{
		Skip:    []string{"blocked.com"},
		Paywall: []string{"paywall.com"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	conflict := FetchPolicyConfig{
		Skip:    []string{"example.com"},
		Paywall: []string{"example.com"},
	}
	if err := conflict.Validate(); err == nil {
		t.Fatalf("expected skip/paywall conflict error")
	}
}

func TestFetchPolicySkipFetch(t *testing.T) {
	cfg := FetchPolicyConfig{
		Skip:    []string{"blocked.com"},
		Paywall: []string{"paywall.example.org"},
	}.Normalize()

	cases := []struct {
		url  string
		want bool
	}{
		{"https://blocked.com/article", true},
		{"https://www.blocked.com/article", true},
		{"https://sub.blocked.com/a/b", true},
		{"https://paywall.example.org/story", true},
		{"https://example.org/story", false},
		{"https://open.example.com/page", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := cfg.SkipFetch(tc.url); got != tc.want {
			t.Fatalf("SkipFetch(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}
