package message

import "testing"

func TestRequestIDUint64RoundTrip(t *testing.T) {
	rid := RequestIDFromUint64(42)
	if rid.Uint64() != 42 {
		t.Fatalf("Uint64() = %d, want 42", rid.Uint64())
	}
	got := RequestIDFromBytes(rid.Bytes())
	if !got.Equal(rid) {
		t.Fatalf("RequestIDFromBytes round trip mismatch: %v != %v", got, rid)
	}
}

func TestRequestIDEqual(t *testing.T) {
	a := RequestIDFromUint64(7)
	b := RequestIDFromUint64(7)
	c := RequestIDFromUint64(8)
	if !a.Equal(b) {
		t.Fatal("expected equal request IDs to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected distinct request IDs to compare unequal")
	}
}

func TestRegistryEncodeDecodePing(t *testing.T) {
	reg := NewRegistry()
	m := &Message{Kind: TypePing, Ping: &Ping{RequestID: RequestIDFromUint64(1).Bytes(), EnrSeq: 5}}

	payload, err := reg.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := reg.Decode(TypePing, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Ping.EnrSeq != 5 {
		t.Fatalf("EnrSeq = %d, want 5", got.Ping.EnrSeq)
	}
	if got.RequestID().Uint64() != 1 {
		t.Fatalf("RequestID = %d, want 1", got.RequestID().Uint64())
	}
}

func TestRegistryEncodeDecodeFoundNodes(t *testing.T) {
	reg := NewRegistry()
	m := &Message{Kind: TypeFoundNodes, FoundNodes: &FoundNodes{
		RequestID: RequestIDFromUint64(9).Bytes(),
		Total:     2,
		Enrs:      []EnrRecord{[]byte("enr-a"), []byte("enr-b")},
	}}

	payload, err := reg.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := reg.Decode(TypeFoundNodes, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.FoundNodes.Total != 2 || len(got.FoundNodes.Enrs) != 2 {
		t.Fatalf("unexpected FoundNodes: %+v", got.FoundNodes)
	}
	if string(got.FoundNodes.Enrs[0]) != "enr-a" || string(got.FoundNodes.Enrs[1]) != "enr-b" {
		t.Fatalf("enr order not preserved: %+v", got.FoundNodes.Enrs)
	}
}

func TestRegistryDecodeUnknownType(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Decode(Type(99), nil); err != ErrUnknownType {
		t.Fatalf("Decode err = %v, want ErrUnknownType", err)
	}
}

func TestTypeStringUnknown(t *testing.T) {
	if got := Type(200).String(); got != "Unknown(200)" {
		t.Fatalf("Type(200).String() = %q", got)
	}
}
