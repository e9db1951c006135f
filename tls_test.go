package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFingerprint(t *testing.T) {
	digest := sha256.Sum256([]byte("certificate"))
	plain := hex.EncodeToString(digest[:])

	var colon []string
	for i := 0; i < len(plain); i += 2 {
		colon = append(colon, strings.ToUpper(plain[i:i+2]))
	}

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"plain hex", plain, ""},
		{"colon upper", strings.Join(colon, ":"), ""},
		{"spaced", " " + strings.Join(colon, " ") + " ", ""},
		{"empty", "", "required"},
		{"not hex", strings.Repeat("zz", 32), "invalid tls fingerprint"},
		{"sha1 length", strings.Repeat("ab", 20), "must be 32 bytes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseFingerprint(tc.input)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if hex.EncodeToString(got) != plain {
				t.Errorf("fingerprint = %x, want %s", got, plain)
			}
		})
	}
}

func TestVerifyPinnedCertificate(t *testing.T) {
	leaf := []byte("leaf certificate der")
	other := []byte("someone else")
	digest := sha256.Sum256(leaf)

	if err := verifyPinnedCertificate([][]byte{leaf, other}, digest[:]); err != nil {
		t.Errorf("matching leaf rejected: %v", err)
	}
	if err := verifyPinnedCertificate([][]byte{other, leaf}, digest[:]); !errors.Is(err, errFingerprintMismatch) {
		t.Errorf("err = %v, want errFingerprintMismatch", err)
	}
	if err := verifyPinnedCertificate(nil, digest[:]); err == nil {
		t.Error("empty chain accepted")
	}
}

func TestBuildTLSConfig(t *testing.T) {
	digest := sha256.Sum256([]byte("leaf"))
	fingerprint := hex.EncodeToString(digest[:])

	tests := []struct {
		name         string
		cfg          TLSConfig
		wantInsecure bool
		wantPinned   bool
		wantErr      bool
	}{
		{"default verifies", TLSConfig{}, false, false, false},
		{"verify", TLSConfig{Mode: "verify"}, false, false, false},
		{"insecure", TLSConfig{Mode: "insecure"}, true, false, false},
		{"pinned", TLSConfig{Mode: "pinned", Fingerprint: fingerprint}, true, true, false},
		{"pinned without fingerprint", TLSConfig{Mode: "pinned"}, false, false, true},
		{"unknown mode", TLSConfig{Mode: "yolo"}, false, false, true},
		{"missing key pair", TLSConfig{CertFile: "/nonexistent/c.pem", KeyFile: "/nonexistent/k.pem"}, false, false, true},
		{"missing ca", TLSConfig{CAFile: "/nonexistent/ca.pem"}, false, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conf, err := buildTLSConfig(tc.cfg, "mumble.example.org")
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if conf.ServerName != "mumble.example.org" {
				t.Errorf("server name = %q", conf.ServerName)
			}
			if conf.InsecureSkipVerify != tc.wantInsecure {
				t.Errorf("InsecureSkipVerify = %t, want %t", conf.InsecureSkipVerify, tc.wantInsecure)
			}
			if (conf.VerifyPeerCertificate != nil) != tc.wantPinned {
				t.Errorf("pinning hook set = %t, want %t", conf.VerifyPeerCertificate != nil, tc.wantPinned)
			}
			if tc.wantPinned {
				if err := conf.VerifyPeerCertificate([][]byte{[]byte("leaf")}, nil); err != nil {
					t.Errorf("pinned leaf rejected: %v", err)
				}
				if err := conf.VerifyPeerCertificate([][]byte{[]byte("other")}, nil); err == nil {
					t.Error("foreign leaf accepted")
				}
			}
		})
	}
}

func TestBuildTLSConfigEmptyCAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := buildTLSConfig(TLSConfig{CAFile: path}, "host")
	if err == nil || !strings.Contains(err.Error(), "no certificates") {
		t.Fatalf("err = %v, want a no certificates error", err)
	}
}

func TestParseTLSMode(t *testing.T) {
	tests := []struct {
		input string
		want  tlsMode
		ok    bool
	}{
		{"", tlsVerify, true},
		{"Verify", tlsVerify, true},
		{" insecure ", tlsInsecure, true},
		{"pinned", tlsPinned, true},
		{"strict", "", false},
	}
	for _, tc := range tests {
		got, ok := parseTLSMode(tc.input)
		if got != tc.want || ok != tc.ok {
			t.Errorf("parseTLSMode(%q) = %q, %t; want %q, %t", tc.input, got, ok, tc.want, tc.ok)
		}
	}
}
