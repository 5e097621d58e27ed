package fingerprint

import (
	"testing"
	"time"

	"github.com/tidewater/briefd/item"
)

func baseItem() item.Item {
	return item.Item{
		Source:    "email",
		Type:      "message",
		SourceID:  "msg-42",
		Timestamp: time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC),
		Title:     "Q2 budget review",
		Summary:   "Please review before Friday",
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	it := baseItem()
	first := Fingerprint(it)
	second := Fingerprint(it)
	if first != second {
		t.Fatalf("fingerprint not deterministic: %q vs %q", first, second)
	}
	if len(first) != len("email:")+16 {
		t.Fatalf("unexpected fingerprint length: %q", first)
	}
}

func TestFingerprint_SourcePrefix(t *testing.T) {
	it := baseItem()
	fp := Fingerprint(it)
	if fp[:6] != "email:" {
		t.Fatalf("fingerprint missing source prefix: %q", fp)
	}
}

func TestFingerprint_IgnoresMutableFields(t *testing.T) {
	it := baseItem()
	fp := Fingerprint(it)

	it.Title = "Q2 budget review (updated)"
	it.Summary = "New numbers attached"
	it.Status = "urgent"
	if got := Fingerprint(it); got != fp {
		t.Fatalf("fingerprint changed with mutable fields: %q vs %q", got, fp)
	}
}

func TestFingerprint_FallbackBucketsByHour(t *testing.T) {
	it := baseItem()
	it.SourceID = ""
	it.URL = "https://example.com/doc"

	fp := Fingerprint(it)

	// Same hour, different minute: same fingerprint.
	it.Timestamp = time.Date(2026, 3, 10, 9, 58, 0, 0, time.UTC)
	if got := Fingerprint(it); got != fp {
		t.Fatalf("fetch jitter within the hour changed the fingerprint")
	}

	// Different hour: different fingerprint.
	it.Timestamp = time.Date(2026, 3, 10, 10, 1, 0, 0, time.UTC)
	if got := Fingerprint(it); got == fp {
		t.Fatalf("different hour bucket produced the same fingerprint")
	}
}

func TestFingerprint_FallbackNormalizesTitle(t *testing.T) {
	it := baseItem()
	it.SourceID = ""
	it.URL = "https://example.com/doc"
	fp := Fingerprint(it)

	it.Title = "  Q2   BUDGET  Review "
	if got := Fingerprint(it); got != fp {
		t.Fatalf("cosmetic title formatting changed the fallback fingerprint")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://Example.COM/Doc", "https://example.com/Doc"},
		{"strips default https port", "https://example.com:443/doc", "https://example.com/doc"},
		{"strips default http port", "http://example.com:80/doc", "http://example.com/doc"},
		{"keeps custom port", "https://example.com:8443/doc", "https://example.com:8443/doc"},
		{"strips trailing slash", "https://example.com/doc/", "https://example.com/doc"},
		{"strips fragment", "https://example.com/doc#section", "https://example.com/doc"},
		{"strips tracking params", "https://example.com/doc?utm_source=mail&id=7&ref=x", "https://example.com/doc?id=7"},
		{"strips click ids", "https://example.com/doc?fbclid=abc&gclid=def", "https://example.com/doc"},
		{"empty stays empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeURL(tc.in); got != tc.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeTitle(t *testing.T) {
	if got := NormalizeTitle("  Hello   World "); got != "hello world" {
		t.Fatalf("NormalizeTitle = %q", got)
	}
}

func TestContentHash_TracksMutableFields(t *testing.T) {
	it := baseItem()
	hash := ContentHash(it)

	unchanged := baseItem()
	if ContentHash(unchanged) != hash {
		t.Fatalf("identical items produced different content hashes")
	}

	changed := baseItem()
	changed.Summary = "Deadline moved to Thursday"
	if ContentHash(changed) == hash {
		t.Fatalf("summary change did not change the content hash")
	}

	deadline := time.Date(2026, 3, 13, 17, 0, 0, 0, time.UTC)
	withDeadline := baseItem()
	withDeadline.Deadline = &deadline
	if ContentHash(withDeadline) == hash {
		t.Fatalf("deadline change did not change the content hash")
	}
}

func TestFieldHashes_NamesChangedField(t *testing.T) {
	before := FieldHashes(baseItem())

	after := baseItem()
	after.Status = "closed"
	afterHashes := FieldHashes(after)

	if before[FieldStatus] == afterHashes[FieldStatus] {
		t.Fatalf("status hash did not change")
	}
	for _, field := range []string{FieldTitle, FieldSummary, FieldDates} {
		if before[field] != afterHashes[field] {
			t.Errorf("field %s hash changed unexpectedly", field)
		}
	}
}

func TestCombineFieldHashes_OrderIndependent(t *testing.T) {
	hashes := FieldHashes(baseItem())
	combined := CombineFieldHashes(hashes)
	// Rebuild the map to vary iteration order.
	rebuilt := make(map[string]string, len(hashes))
	for k, v := range hashes {
		rebuilt[k] = v
	}
	if CombineFieldHashes(rebuilt) != combined {
		t.Fatalf("combined hash depends on map iteration order")
	}
	if combined != ContentHash(baseItem()) {
		t.Fatalf("ContentHash and CombineFieldHashes disagree")
	}
}
