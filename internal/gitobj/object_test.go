package gitobj

import "testing"

func TestEmptyBlobOID(t *testing.T) {
	// spec.md Scenario A: the empty blob has a well-known SHA-1.
	want := "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"
	if got := EmptyBlobOID.String(); got != want {
		t.Fatalf("empty blob oid = %s, want %s", got, want)
	}
}

func TestHashDeterministic(t *testing.T) {
	a := Hash(KindBlob, []byte("hello\n"))
	b := Hash(KindBlob, []byte("hello\n"))
	if a != b {
		t.Fatalf("hash not deterministic: %v != %v", a, b)
	}

	c := Hash(KindBlob, []byte("hello"))
	if a == c {
		t.Fatalf("different payloads hashed equal")
	}
}

func TestMangleRoundtrip(t *testing.T) {
	name := MangleName("big.bin")
	base, mangled := UnmangleName(name)
	if !mangled {
		t.Fatal("expected mangled")
	}
	if base != "big.bin" {
		t.Fatalf("unmangled base = %q, want %q", base, "big.bin")
	}

	if _, mangled := UnmangleName("plain.txt"); mangled {
		t.Fatal("plain name falsely reported as mangled")
	}
}

func TestParseOIDRoundtrip(t *testing.T) {
	orig := Hash(KindBlob, []byte("round trip"))
	parsed, err := ParseOID(orig.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != orig {
		t.Fatalf("parsed oid %v != original %v", parsed, orig)
	}
}
