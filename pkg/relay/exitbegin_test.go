package relay

import "testing"

func TestParseBeginBodyHostPort(t *testing.T) {
	got, err := parseBeginBody([]byte("example.com:80\x00"))
	if err != nil {
		t.Fatalf("parseBeginBody: %v", err)
	}
	if got.Host != "example.com" || got.Port != 80 {
		t.Fatalf("unexpected target: %+v", got)
	}
}

func TestParseBeginBodyNormalizesUnicodeHost(t *testing.T) {
	got, err := parseBeginBody([]byte("xn--n3h.example:443\x00"))
	if err != nil {
		t.Fatalf("parseBeginBody: %v", err)
	}
	if got.Host != "xn--n3h.example" {
		t.Fatalf("expected already-ASCII host unchanged, got %q", got.Host)
	}
	if got.Addr() != "xn--n3h.example:443" {
		t.Fatalf("unexpected Addr(): %q", got.Addr())
	}
}

func TestParseBeginBodyDecodesFlags(t *testing.T) {
	body := append([]byte("example.com:80\x00"), 0, 0, 0, 1)
	got, err := parseBeginBody(body)
	if err != nil {
		t.Fatalf("parseBeginBody: %v", err)
	}
	if !got.IPv6OK {
		t.Fatal("expected IPv6OK flag set")
	}
	if got.IPv4NotOK {
		t.Fatal("expected IPv4NotOK flag clear")
	}
}

func TestParseBeginBodyRejectsMissingSeparator(t *testing.T) {
	if _, err := parseBeginBody([]byte("example.com\x00")); err == nil {
		t.Fatal("expected error for missing host:port separator")
	}
}

func TestParseBeginBodyRejectsInvalidPort(t *testing.T) {
	if _, err := parseBeginBody([]byte("example.com:notaport\x00")); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestParseBeginBodyRejectsEmptyHost(t *testing.T) {
	if _, err := parseBeginBody([]byte(":80\x00")); err == nil {
		t.Fatal("expected error for empty host")
	}
}

func TestParseBeginBodyWithoutNulTerminator(t *testing.T) {
	got, err := parseBeginBody([]byte("example.com:80"))
	if err != nil {
		t.Fatalf("parseBeginBody: %v", err)
	}
	if got.Host != "example.com" || got.Port != 80 {
		t.Fatalf("unexpected target: %+v", got)
	}
}
