package toncell

import (
	"bytes"
	"encoding/base64"
	"errors"
	"math/big"
	"testing"
)

func base64URLNoPad(p []byte) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(p)
}

func mustParseAddress(t *testing.T, s string) *Address {
	t.Helper()
	a, err := ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	return a
}

func TestParseAddressRaw(t *testing.T) {
	a := mustParseAddress(t, "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8")
	if a.Workchain != 0 {
		t.Errorf("workchain = %d, want 0", a.Workchain)
	}
	if a.String() != "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8" {
		t.Errorf("String() = %q", a.String())
	}
}

func TestParseAddressFriendlyRoundTrip(t *testing.T) {
	raw := mustParseAddress(t, "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8")

	// bounceable flag byte, workchain, hash, crc16
	buf := make([]byte, 34)
	buf[0] = 0x11
	buf[1] = 0x00
	copy(buf[2:], raw.Hash[:])
	sum := crc16(buf)
	friendly := append(buf, byte(sum>>8), byte(sum))

	enc := base64URLNoPad(friendly)
	got := mustParseAddress(t, enc)
	if !got.Equal(raw) {
		t.Errorf("friendly form decoded to %s, want %s", got, raw)
	}

	// flip a checksum bit
	friendly[35] ^= 0x01
	if _, err := ParseAddress(base64URLNoPad(friendly)); err == nil {
		t.Error("expected checksum error")
	}
}

func TestSliceUnderflow(t *testing.T) {
	c, err := NewCell([]byte{0xff}, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := c.BeginParse()
	if _, err := s.LoadUint(5); !errors.Is(err, ErrNotEnoughData) {
		t.Errorf("LoadUint past end: err = %v, want ErrNotEnoughData", err)
	}
	if _, err := s.LoadRef(); !errors.Is(err, ErrNoMoreRefs) {
		t.Errorf("LoadRef on leaf: err = %v, want ErrNoMoreRefs", err)
	}
}

func TestCoinsRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 999999, 1000000000, 1 << 52} {
		c := NewBuilder().StoreCoins(big.NewInt(v)).EndCell()
		got, err := c.BeginParse().LoadCoins()
		if err != nil {
			t.Fatalf("LoadCoins(%d): %v", v, err)
		}
		if got.Int64() != v {
			t.Errorf("coins = %d, want %d", got.Int64(), v)
		}
	}
}

func TestTextCommentCell(t *testing.T) {
	c := NewBuilder().
		StoreUint(0, 32).
		StoreBinary([]byte("hello")).
		EndCell()

	s := c.BeginParse()
	op, err := s.LoadUint(32)
	if err != nil {
		t.Fatal(err)
	}
	if op != 0 {
		t.Fatalf("opcode = %#x, want 0", op)
	}
	rest, err := s.RestBytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(rest) != "hello" {
		t.Errorf("comment = %q, want %q", rest, "hello")
	}
}

func TestJettonTransferBOCRoundTrip(t *testing.T) {
	dest := mustParseAddress(t, "0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8")
	resp := mustParseAddress(t, "0:0000000000000000000000000000000000000000000000000000000000000001")

	comment := NewBuilder().
		StoreUint(0, 32).
		StoreBinary([]byte("abc123")).
		EndCell()

	body := NewBuilder().
		StoreUint(0xf8a7ea5, 32).
		StoreUint(7031, 64).
		StoreCoins(big.NewInt(1500000)). // 1.5 USDT at 6 decimals
		StoreAddress(dest).
		StoreAddress(resp).
		StoreBit(false). // no custom payload
		StoreCoins(big.NewInt(1)).
		StoreBit(true). // forward payload in ref
		StoreRef(comment).
		EndCell()

	boc := body.ToBOC()
	parsed, err := FromBOC(boc)
	if err != nil {
		t.Fatalf("FromBOC: %v", err)
	}

	s := parsed.BeginParse()
	op, err := s.LoadUint(32)
	if err != nil {
		t.Fatal(err)
	}
	if op != 0xf8a7ea5 {
		t.Fatalf("opcode = %#x, want 0xf8a7ea5", op)
	}
	queryID, err := s.LoadUint(64)
	if err != nil {
		t.Fatal(err)
	}
	if queryID != 7031 {
		t.Errorf("query id = %d, want 7031", queryID)
	}
	amount, err := s.LoadCoins()
	if err != nil {
		t.Fatal(err)
	}
	if amount.Int64() != 1500000 {
		t.Errorf("amount = %d, want 1500000", amount.Int64())
	}
	gotDest, err := s.LoadAddress()
	if err != nil {
		t.Fatal(err)
	}
	if !gotDest.Equal(dest) {
		t.Errorf("destination = %s, want %s", gotDest, dest)
	}
	if _, err := s.LoadAddress(); err != nil {
		t.Fatal(err)
	}
	hasCustom, err := s.LoadBit()
	if err != nil {
		t.Fatal(err)
	}
	if hasCustom {
		t.Error("unexpected custom payload")
	}
	if _, err := s.LoadCoins(); err != nil {
		t.Fatal(err)
	}
	inRef, err := s.LoadBit()
	if err != nil {
		t.Fatal(err)
	}
	if !inRef {
		t.Fatal("forward payload should be in a ref")
	}
	fwd, err := s.LoadRef()
	if err != nil {
		t.Fatal(err)
	}
	fs := fwd.BeginParse()
	fop, err := fs.LoadUint(32)
	if err != nil {
		t.Fatal(err)
	}
	if fop != 0 {
		t.Fatalf("forward opcode = %#x, want 0", fop)
	}
	text, err := fs.RestBytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "abc123" {
		t.Errorf("forward comment = %q, want %q", text, "abc123")
	}
}

func TestFromBOCRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0},
	}
	for _, in := range cases {
		if _, err := FromBOC(in); err == nil {
			t.Errorf("FromBOC(%x): expected error", in)
		}
	}

	// corrupt one payload byte so the crc trailer no longer matches
	good := NewBuilder().StoreUint(42, 32).EndCell().ToBOC()
	bad := bytes.Clone(good)
	bad[len(bad)-6] ^= 0xff
	if _, err := FromBOC(bad); err == nil {
		t.Error("expected crc mismatch error")
	}
}
