package nodedb

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/eth2030/discv5/enr"
	"github.com/eth2030/discv5/nodeid"
)

func signedRecordAt(t *testing.T, ip []byte, port uint16) *enr.Record {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	r := enr.New(1)
	r.Set("id_pubkey", pub)
	r.Set("ip", ip)
	r.Set("udp", []byte{byte(port >> 8), byte(port)})
	if err := r.Sign(priv, rand.Reader); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return r
}

func TestMemorySetGetENR(t *testing.T) {
	db := NewMemory()
	r := signedRecordAt(t, []byte{127, 0, 0, 1}, 9000)
	if err := db.SetENR(r); err != nil {
		t.Fatalf("SetENR: %v", err)
	}

	id, _ := r.NodeID()
	got, ok := db.GetENR(id)
	if !ok {
		t.Fatal("expected GetENR to find the stored record")
	}
	if got.Seq != r.Seq {
		t.Fatalf("Seq = %d, want %d", got.Seq, r.Seq)
	}
}

func TestMemoryGetEndpointFromENR(t *testing.T) {
	db := NewMemory()
	r := signedRecordAt(t, []byte{192, 168, 1, 1}, 30303)
	if err := db.SetENR(r); err != nil {
		t.Fatalf("SetENR: %v", err)
	}
	id, _ := r.NodeID()

	ep, ok := db.GetEndpoint(id)
	if !ok {
		t.Fatal("expected GetEndpoint to succeed")
	}
	if ep.Port != 30303 {
		t.Fatalf("Port = %d, want 30303", ep.Port)
	}
	if ep.Addr.String() != "192.168.1.1" {
		t.Fatalf("Addr = %s, want 192.168.1.1", ep.Addr.String())
	}
}

func TestMemoryGetEndpointMissingRecord(t *testing.T) {
	db := NewMemory()
	var id nodeid.ID
	if _, ok := db.GetEndpoint(id); ok {
		t.Fatal("expected GetEndpoint to fail for an unknown node")
	}
}
