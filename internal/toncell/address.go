package toncell

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Address is a TON account address (workchain + 256-bit hash).
type Address struct {
	Workchain int8
	Hash      [32]byte
}

// Equal reports whether two addresses refer to the same account.
func (a *Address) Equal(other *Address) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.Workchain == other.Workchain && bytes.Equal(a.Hash[:], other.Hash[:])
}

// String renders the raw form "workchain:hex".
func (a *Address) String() string {
	return fmt.Sprintf("%d:%s", a.Workchain, hex.EncodeToString(a.Hash[:]))
}

// ParseAddress accepts the raw form "0:<64 hex>" or the user-facing base64url
// form ("EQ...", "UQ..."), verifying the embedded CRC16 checksum of the latter.
func ParseAddress(s string) (*Address, error) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		wc, err := strconv.ParseInt(s[:i], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("toncell: bad workchain in %q: %w", s, err)
		}
		hash, err := hex.DecodeString(s[i+1:])
		if err != nil || len(hash) != 32 {
			return nil, fmt.Errorf("toncell: bad account hash in %q", s)
		}
		addr := &Address{Workchain: int8(wc)}
		copy(addr.Hash[:], hash)
		return addr, nil
	}

	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		// some wallets emit standard base64
		raw, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("toncell: address %q is not base64: %w", s, err)
		}
	}
	if len(raw) != 36 {
		return nil, fmt.Errorf("toncell: friendly address must be 36 bytes, got %d", len(raw))
	}
	if got, want := crc16(raw[:34]), uint16(raw[34])<<8|uint16(raw[35]); got != want {
		return nil, fmt.Errorf("toncell: address checksum mismatch")
	}
	addr := &Address{Workchain: int8(raw[1])}
	copy(addr.Hash[:], raw[2:34])
	return addr, nil
}

// crc16 is CRC-16/XMODEM, the checksum used by friendly address encoding.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
