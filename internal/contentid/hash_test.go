package contentid_test

import (
	"testing"

	"docmill/internal/contentid"
)

func TestCanonicalIgnoresLineEndings(t *testing.T) {
	unix, okUnix := contentid.Canonical([]byte("Invoice\nTotal: 42\n"))
	windows, okWin := contentid.Canonical([]byte("Invoice\r\nTotal: 42\r\n"))
	mac, okMac := contentid.Canonical([]byte("Invoice\rTotal: 42\r"))

	if !okUnix || !okWin || !okMac {
		t.Fatal("text payloads must canonicalize")
	}
	if unix != windows || unix != mac {
		t.Fatalf("line ending variants disagree: %s / %s / %s", unix, windows, mac)
	}
}

func TestCanonicalStripsBOMAndTrailingSpace(t *testing.T) {
	plain, _ := contentid.Canonical([]byte("Report\nDone\n"))
	bom, _ := contentid.Canonical([]byte("\xef\xbb\xbfReport\nDone\n"))
	padded, _ := contentid.Canonical([]byte("Report  \t\nDone\t \n\n\n"))

	if plain != bom {
		t.Fatal("BOM must not change the canonical hash")
	}
	if plain != padded {
		t.Fatal("trailing whitespace must not change the canonical hash")
	}
}

func TestCanonicalDistinguishesContent(t *testing.T) {
	a, _ := contentid.Canonical([]byte("alpha\n"))
	b, _ := contentid.Canonical([]byte("beta\n"))
	if a == b {
		t.Fatal("different content must hash differently")
	}
}

func TestCanonicalFallsBackForBinary(t *testing.T) {
	binary := []byte{0x00, 0xff, 0xfe, 0x01, 0x80}
	hash, normalized := contentid.Canonical(binary)
	if normalized {
		t.Fatal("binary content must not be normalized")
	}
	if hash != contentid.Raw(binary) {
		t.Fatal("binary canonical hash must equal the raw hash")
	}
}

func TestRawIsStable(t *testing.T) {
	data := []byte("same bytes")
	if contentid.Raw(data) != contentid.Raw(data) {
		t.Fatal("raw hash must be deterministic")
	}
	if len(contentid.Raw(data)) != 64 {
		t.Fatalf("raw hash length = %d, want 64 hex chars", len(contentid.Raw(data)))
	}
}
