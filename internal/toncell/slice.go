package toncell

import (
	"fmt"
	"math/big"
)

// Slice is a read cursor over a cell's data bits and references.
type Slice struct {
	data   []byte
	pos    int // bit cursor
	end    int
	refs   []*Cell
	refPos int
}

// RemainingBits returns the number of unread data bits.
func (s *Slice) RemainingBits() int { return s.end - s.pos }

// RemainingRefs returns the number of unread references.
func (s *Slice) RemainingRefs() int { return len(s.refs) - s.refPos }

// LoadBit reads a single bit.
func (s *Slice) LoadBit() (bool, error) {
	if s.RemainingBits() < 1 {
		return false, ErrNotEnoughData
	}
	b := s.data[s.pos/8]&(0x80>>(s.pos%8)) != 0
	s.pos++
	return b, nil
}

// LoadUint reads an n-bit big-endian unsigned integer, n <= 64.
func (s *Slice) LoadUint(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, fmt.Errorf("toncell: uint width %d out of range", n)
	}
	if s.RemainingBits() < n {
		return 0, ErrNotEnoughData
	}
	var v uint64
	for i := 0; i < n; i++ {
		v <<= 1
		if s.data[s.pos/8]&(0x80>>(s.pos%8)) != 0 {
			v |= 1
		}
		s.pos++
	}
	return v, nil
}

// LoadBigUint reads an n-bit big-endian unsigned integer of arbitrary width.
func (s *Slice) LoadBigUint(n int) (*big.Int, error) {
	if n < 0 {
		return nil, fmt.Errorf("toncell: uint width %d out of range", n)
	}
	if s.RemainingBits() < n {
		return nil, ErrNotEnoughData
	}
	v := new(big.Int)
	for i := 0; i < n; i++ {
		v.Lsh(v, 1)
		if s.data[s.pos/8]&(0x80>>(s.pos%8)) != 0 {
			v.SetBit(v, 0, 1)
		}
		s.pos++
	}
	return v, nil
}

// LoadCoins reads a VarUInteger16 amount: a 4-bit byte-length prefix followed
// by that many bytes of value.
func (s *Slice) LoadCoins() (*big.Int, error) {
	ln, err := s.LoadUint(4)
	if err != nil {
		return nil, err
	}
	return s.LoadBigUint(int(ln) * 8)
}

// LoadBinary reads n bits into a byte slice; n must be a multiple of 8.
func (s *Slice) LoadBinary(n int) ([]byte, error) {
	if n%8 != 0 {
		return nil, fmt.Errorf("toncell: binary load of %d bits is not byte aligned", n)
	}
	if s.RemainingBits() < n {
		return nil, ErrNotEnoughData
	}
	out := make([]byte, n/8)
	if s.pos%8 == 0 {
		copy(out, s.data[s.pos/8:s.pos/8+n/8])
		s.pos += n
		return out, nil
	}
	for i := range out {
		v, err := s.LoadUint(8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// LoadAddress reads an MsgAddress. addr_none decodes to nil; only addr_std
// without anycast is supported beyond that.
func (s *Slice) LoadAddress() (*Address, error) {
	tag, err := s.LoadUint(2)
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0b00:
		return nil, nil
	case 0b10:
		anycast, err := s.LoadBit()
		if err != nil {
			return nil, err
		}
		if anycast {
			return nil, fmt.Errorf("toncell: anycast addresses are not supported")
		}
		wc, err := s.LoadUint(8)
		if err != nil {
			return nil, err
		}
		hash, err := s.LoadBinary(256)
		if err != nil {
			return nil, err
		}
		addr := &Address{Workchain: int8(wc)}
		copy(addr.Hash[:], hash)
		return addr, nil
	default:
		return nil, fmt.Errorf("toncell: unsupported address tag %b", tag)
	}
}

// LoadRef reads the next child reference.
func (s *Slice) LoadRef() (*Cell, error) {
	if s.RemainingRefs() < 1 {
		return nil, ErrNoMoreRefs
	}
	c := s.refs[s.refPos]
	s.refPos++
	return c, nil
}

// RestBytes returns all unread bits as bytes. It fails when the remainder is
// not byte aligned, matching the comment decoding rule.
func (s *Slice) RestBytes() ([]byte, error) {
	return s.LoadBinary(s.RemainingBits())
}
