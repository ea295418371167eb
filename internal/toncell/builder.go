package toncell

import (
	"fmt"
	"math/big"
)

// Builder assembles a cell bit by bit. The zero value is ready to use.
type Builder struct {
	data   []byte
	bitLen int
	refs   []*Cell
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) storeBit(on bool) error {
	if b.bitLen >= MaxBits {
		return ErrTooManyBits
	}
	if b.bitLen%8 == 0 {
		b.data = append(b.data, 0)
	}
	if on {
		b.data[b.bitLen/8] |= 0x80 >> (b.bitLen % 8)
	}
	b.bitLen++
	return nil
}

// StoreBit appends a single bit.
func (b *Builder) StoreBit(on bool) *Builder {
	b.must(b.storeBit(on))
	return b
}

// StoreUint appends an n-bit big-endian unsigned integer, n <= 64.
func (b *Builder) StoreUint(v uint64, n int) *Builder {
	if n < 0 || n > 64 {
		b.must(fmt.Errorf("toncell: uint width %d out of range", n))
		return b
	}
	for i := n - 1; i >= 0; i-- {
		b.must(b.storeBit(v&(1<<uint(i)) != 0))
	}
	return b
}

// StoreBigUint appends an n-bit big-endian unsigned integer.
func (b *Builder) StoreBigUint(v *big.Int, n int) *Builder {
	for i := n - 1; i >= 0; i-- {
		b.must(b.storeBit(v.Bit(i) == 1))
	}
	return b
}

// StoreCoins appends a VarUInteger16 amount.
func (b *Builder) StoreCoins(v *big.Int) *Builder {
	ln := (v.BitLen() + 7) / 8
	b.StoreUint(uint64(ln), 4)
	b.StoreBigUint(v, ln*8)
	return b
}

// StoreBinary appends whole bytes.
func (b *Builder) StoreBinary(p []byte) *Builder {
	for _, by := range p {
		b.StoreUint(uint64(by), 8)
	}
	return b
}

// StoreAddress appends an MsgAddress; nil stores addr_none.
func (b *Builder) StoreAddress(a *Address) *Builder {
	if a == nil {
		return b.StoreUint(0b00, 2)
	}
	b.StoreUint(0b10, 2)
	b.StoreBit(false) // no anycast
	b.StoreUint(uint64(uint8(a.Workchain)), 8)
	b.StoreBinary(a.Hash[:])
	return b
}

// StoreRef appends a child reference.
func (b *Builder) StoreRef(c *Cell) *Builder {
	if len(b.refs) >= MaxRefs {
		b.must(ErrTooManyRefs)
		return b
	}
	b.refs = append(b.refs, c)
	return b
}

// EndCell finalizes the builder into an immutable cell.
func (b *Builder) EndCell() *Cell {
	c, err := NewCell(b.data, b.bitLen, b.refs)
	if err != nil {
		// capacity is checked on every store, so this is unreachable
		panic(err)
	}
	return c
}

func (b *Builder) must(err error) {
	if err != nil {
		panic(err)
	}
}
