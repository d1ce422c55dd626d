package textutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEnsureUTF8PassesValidInput(t *testing.T) {
	for _, s := range []string{
		"",
		"plain ascii",
		"déjà vu — naïve café",
		"日本語のメール",
	} {
		if got := EnsureUTF8(s); got != s {
			t.Errorf("EnsureUTF8(%q) = %q, want unchanged", s, got)
		}
	}
}

func TestEnsureUTF8DecodesWindows1252(t *testing.T) {
	// Smart quotes and an em dash as raw Windows-1252 bytes.
	raw := "he said \x93hello\x94 \x96 loudly"
	got := EnsureUTF8(raw)
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid UTF-8: %q", got)
	}
	if !strings.Contains(got, "“hello”") {
		t.Errorf("smart quotes not decoded: %q", got)
	}
}

func TestEnsureUTF8DecodesLatin1(t *testing.T) {
	raw := "caf\xe9 con a\xf1o"
	got := EnsureUTF8(raw)
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid UTF-8: %q", got)
	}
	if !strings.Contains(got, "café") || !strings.Contains(got, "año") {
		t.Errorf("Latin-1 accents not decoded: %q", got)
	}
}

func TestEnsureUTF8NeverReturnsInvalid(t *testing.T) {
	// Byte soup no charset decodes cleanly still comes back valid.
	raw := "ok \xff\xfe\xc0 end"
	got := EnsureUTF8(raw)
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid UTF-8: %q", got)
	}
	if !strings.HasPrefix(got, "ok ") || !strings.HasSuffix(got, " end") {
		t.Errorf("valid portions must survive: %q", got)
	}
}

func TestSanitizeUTF8ReplacesBadBytes(t *testing.T) {
	got := sanitizeUTF8("a\xffb")
	if got != "a�b" {
		t.Errorf("sanitizeUTF8 = %q, want a�b", got)
	}
}

func TestEncodingByNameIsCaseInsensitive(t *testing.T) {
	if encodingByName("WINDOWS-1252") == nil {
		t.Error("WINDOWS-1252 not recognized")
	}
	if encodingByName("Shift_JIS") == nil {
		t.Error("Shift_JIS not recognized")
	}
	if encodingByName("made-up-charset") != nil {
		t.Error("unknown charset must map to nil")
	}
}
