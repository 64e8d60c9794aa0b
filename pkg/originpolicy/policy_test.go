package originpolicy

import "testing"

func TestAllowListExactMatch(t *testing.T) {
	p := New([]string{"https://app.example"})
	ok, reason := p.Allow("gateway", "https://app.example")
	if !ok || reason != "" {
		t.Fatalf("want allow, got ok=%v reason=%q", ok, reason)
	}
}

func TestDenyUnrecognizedOrigin(t *testing.T) {
	p := New([]string{"https://app.example"})
	ok, reason := p.Allow("gateway", "https://evil.example")
	if ok || reason != "origin not allowed" {
		t.Fatalf("want deny origin not allowed, got ok=%v reason=%q", ok, reason)
	}
}

func TestLoopbackBothSidesAllowed(t *testing.T) {
	p := New([]string{"https://app.example"})
	ok, _ := p.Allow("localhost:18789", "http://127.0.0.1:3000")
	if !ok {
		t.Fatal("want allow: both sides loopback")
	}
}

func TestMissingOriginDenied(t *testing.T) {
	p := New(nil)
	for _, origin := range []string{"", "null", "NULL"} {
		ok, reason := p.Allow("gateway", origin)
		if ok || reason != "origin missing or invalid" {
			t.Fatalf("origin=%q: want deny missing/invalid, got ok=%v reason=%q", origin, ok, reason)
		}
	}
}

func TestMalformedOriginDenied(t *testing.T) {
	p := New(nil)
	ok, reason := p.Allow("gateway", "not-a-url")
	if ok || reason != "origin missing or invalid" {
		t.Fatalf("want deny missing/invalid, got ok=%v reason=%q", ok, reason)
	}
}

func TestRuntimeAllowSet(t *testing.T) {
	p := New(nil)
	ok, _ := p.Allow("gateway", "https://fuzzy-bear-42.trycloudflare.com")
	if ok {
		t.Fatal("should not be allowed before Add")
	}
	p.Add("https://fuzzy-bear-42.trycloudflare.com")
	ok, _ = p.Allow("gateway", "https://fuzzy-bear-42.trycloudflare.com")
	if !ok {
		t.Fatal("should be allowed after Add")
	}
	p.Clear()
	ok, _ = p.Allow("gateway", "https://fuzzy-bear-42.trycloudflare.com")
	if ok {
		t.Fatal("should not be allowed after Clear")
	}
}

func TestRequestHostAuthorityMatch(t *testing.T) {
	p := New(nil)
	ok, _ := p.Allow("example.com:8787", "https://example.com:8787")
	if !ok {
		t.Fatal("origin authority equal to request host should be allowed")
	}
}

func TestCaseInsensitiveDecision(t *testing.T) {
	p := New([]string{"https://a.com"})
	a, _ := p.Allow("gateway", "HTTPS://A.COM")
	b, _ := p.Allow("gateway", "https://a.com")
	if a != b || !a {
		t.Fatalf("origin check must be case-insensitive: a=%v b=%v", a, b)
	}
}

func TestAllowListOrderIndependent(t *testing.T) {
	p1 := New([]string{"https://one.example", "https://two.example"})
	p2 := New([]string{"https://two.example", "https://one.example"})

	for _, origin := range []string{"https://one.example", "https://two.example", "https://three.example"} {
		ok1, _ := p1.Allow("gateway", origin)
		ok2, _ := p2.Allow("gateway", origin)
		if ok1 != ok2 {
			t.Fatalf("decision for %s depended on allow-list order", origin)
		}
	}
}
