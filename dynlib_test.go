package main

import (
	"strings"
	"testing"
)

func TestLibraryCandidates(t *testing.T) {
	if got := celtLibrarySearch.candidates(" /custom/libcelt0.so "); len(got) != 1 || got[0] != "/custom/libcelt0.so" {
		t.Errorf("explicit candidates = %q", got)
	}

	got := opusLibrarySearch.candidates("")
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	if got[0] != "/opt/libopus/libopus.so.0" {
		t.Errorf("first candidate = %q", got[0])
	}

	seen := make(map[string]bool)
	for _, path := range got {
		if seen[path] {
			t.Errorf("duplicate candidate %q", path)
		}
		seen[path] = true
	}
	if got[len(got)-1] != "libopus.so" {
		t.Errorf("last candidate = %q, want libopus.so", got[len(got)-1])
	}
	if !seen["third_party/libopus/linux-x86_64/libopus.so.0"] {
		t.Error("arch-specific bundled path missing")
	}
}

func TestLibraryLoadError(t *testing.T) {
	tests := []struct {
		name     string
		tried    []string
		explicit bool
		want     string
	}{
		{"none tried", nil, false, "no candidate path"},
		{"musl", []string{"/opt/libcelt/libcelt0.so: symbol not found: __memcpy_chk"}, false, "glibc/musl"},
		{"arch", []string{"libcelt0.so: wrong ELF class: ELFCLASS32"}, false, "architecture mismatch"},
		{"symbols", []string{"libcelt0.so: missing symbol celt_decode"}, false, "expected celt API"},
		{"explicit", []string{"/x/libcelt0.so: no such file"}, true, "explicit path was provided"},
		{"many", []string{"a", "b", "c", "d", "e", "f"}, false, "... +2 more"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := celtLibrarySearch.loadError(tc.tried, tc.explicit)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}

	err := celtLibrarySearch.loadError([]string{"a"}, false)
	if !strings.Contains(err.Error(), "--celt-lib") || !strings.Contains(err.Error(), "MUMBLEPWA_CELT_LIB") {
		t.Errorf("error does not name the override knobs: %v", err)
	}
}

func TestNormalizeCodec(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"", codecCELT, false},
		{"CELT", codecCELT, false},
		{" opus ", codecOpus, false},
		{"speex", "", true},
	}
	for _, tc := range tests {
		got, err := normalizeCodec(tc.input)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("normalizeCodec(%q) = %q, %v", tc.input, got, err)
		}
	}
}

func TestAuthenticateCodecs(t *testing.T) {
	var celt authenticateMessage
	authenticateCodecs(codecCELT, &celt)
	if len(celt.CELTVersions) != 1 || celt.CELTVersions[0] != celtAlphaBitstream || celt.Opus {
		t.Errorf("celt capabilities = %+v", celt)
	}

	var opus authenticateMessage
	authenticateCodecs(codecOpus, &opus)
	if !opus.Opus || len(opus.CELTVersions) != 1 {
		t.Errorf("opus capabilities = %+v", opus)
	}
}
