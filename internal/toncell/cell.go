// Package toncell implements the minimal subset of the TON cell model the
// payment scanner needs: bit-level slice reading, cell building, bag-of-cells
// framing and address parsing. It deliberately supports only ordinary cells.
package toncell

import (
	"errors"
	"fmt"
)

const (
	// MaxBits is the data capacity of an ordinary cell.
	MaxBits = 1023
	// MaxRefs is the reference capacity of an ordinary cell.
	MaxRefs = 4
)

var (
	ErrTooManyBits  = errors.New("toncell: cell data capacity exceeded")
	ErrTooManyRefs  = errors.New("toncell: cell reference capacity exceeded")
	ErrNotEnoughData = errors.New("toncell: not enough data bits")
	ErrNoMoreRefs   = errors.New("toncell: no more references")
)

// Cell is an immutable tree node of up to 1023 data bits and four references.
type Cell struct {
	data   []byte
	bitLen int
	refs   []*Cell
}

// NewCell builds a cell from raw data bits and references. The data slice is
// copied; trailing bits of the last byte beyond bitLen are ignored.
func NewCell(data []byte, bitLen int, refs []*Cell) (*Cell, error) {
	if bitLen < 0 || bitLen > MaxBits {
		return nil, ErrTooManyBits
	}
	if len(refs) > MaxRefs {
		return nil, ErrTooManyRefs
	}
	need := (bitLen + 7) / 8
	if len(data) < need {
		return nil, fmt.Errorf("toncell: %d bits need %d bytes, got %d", bitLen, need, len(data))
	}
	c := &Cell{
		data:   make([]byte, need),
		bitLen: bitLen,
		refs:   append([]*Cell(nil), refs...),
	}
	copy(c.data, data[:need])
	// zero out the unused tail bits so equality and serialization are stable
	if rem := bitLen % 8; rem != 0 && need > 0 {
		c.data[need-1] &= byte(0xFF << (8 - rem))
	}
	return c, nil
}

// BitLen returns the number of data bits stored in the cell.
func (c *Cell) BitLen() int { return c.bitLen }

// RefCount returns the number of child references.
func (c *Cell) RefCount() int { return len(c.refs) }

// Ref returns the i-th child reference.
func (c *Cell) Ref(i int) *Cell { return c.refs[i] }

// BeginParse returns a read cursor over the cell's bits and references.
func (c *Cell) BeginParse() *Slice {
	return &Slice{data: c.data, end: c.bitLen, refs: c.refs}
}
