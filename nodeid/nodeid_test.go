package nodeid

import (
	"net/netip"
	"testing"
)

func TestParseHexRoundTrip(t *testing.T) {
	id := ID{1, 2, 3, 4}
	s := id.String()
	got, err := ParseHex(s)
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if got != id {
		t.Fatalf("ParseHex(%q) = %v, want %v", s, got, id)
	}
}

func TestParseHexWithoutPrefix(t *testing.T) {
	id := ID{0xaa, 0xbb}
	got, err := ParseHex(id.String()[2:])
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if got != id {
		t.Fatalf("ParseHex = %v, want %v", got, id)
	}
}

func TestParseHexRejectsShortInput(t *testing.T) {
	if _, err := ParseHex("0xabcd"); err == nil {
		t.Fatal("expected error for short hex string")
	}
}

func TestFromPubkeyBytesDeterministic(t *testing.T) {
	pub := []byte("some public key bytes")
	a := FromPubkeyBytes(pub)
	b := FromPubkeyBytes(pub)
	if a != b {
		t.Fatal("FromPubkeyBytes is not deterministic")
	}
	if a.IsZero() {
		t.Fatal("expected a non-zero hash")
	}
}

func TestEndpointIsValid(t *testing.T) {
	valid := Endpoint{Addr: netip.MustParseAddr("127.0.0.1"), Port: 30303}
	if !valid.IsValid() {
		t.Fatal("expected valid endpoint")
	}
	noPort := Endpoint{Addr: netip.MustParseAddr("127.0.0.1")}
	if noPort.IsValid() {
		t.Fatal("expected invalid endpoint with zero port")
	}
	var zero Endpoint
	if zero.IsValid() {
		t.Fatal("expected invalid zero-value endpoint")
	}
}
