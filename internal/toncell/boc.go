package toncell

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/bits"
)

// Bag-of-cells framing. Only the standard generic serialization is
// supported, which is what wallet and jetton payloads use on the wire.

const bocMagic = 0xb5ee9c72

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrBadBOC = errors.New("toncell: malformed bag of cells")
)

// FromBOC deserializes a bag of cells and returns its first root cell.
func FromBOC(data []byte) (*Cell, error) {
	if len(data) < 10 {
		return nil, ErrBadBOC
	}
	if binary.BigEndian.Uint32(data[:4]) != bocMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadBOC)
	}
	flags := data[4]
	hasIdx := flags&0x80 != 0
	hasCRC := flags&0x40 != 0
	refSize := int(flags & 0x07)
	offSize := int(data[5])
	if refSize < 1 || refSize > 4 || offSize < 1 || offSize > 8 {
		return nil, fmt.Errorf("%w: bad size bytes", ErrBadBOC)
	}

	if hasCRC {
		if len(data) < 4 {
			return nil, ErrBadBOC
		}
		body, sum := data[:len(data)-4], data[len(data)-4:]
		if crc32.Checksum(body, crc32cTable) != binary.LittleEndian.Uint32(sum) {
			return nil, fmt.Errorf("%w: crc mismatch", ErrBadBOC)
		}
		data = body
	}

	r := &bocReader{buf: data, pos: 6}
	cellCount, err := r.uintN(refSize)
	if err != nil {
		return nil, err
	}
	rootCount, err := r.uintN(refSize)
	if err != nil {
		return nil, err
	}
	if rootCount == 0 || rootCount > cellCount {
		return nil, fmt.Errorf("%w: bad root count", ErrBadBOC)
	}
	if _, err := r.uintN(refSize); err != nil { // absent cells, unused
		return nil, err
	}
	if _, err := r.uintN(offSize); err != nil { // total serialized size
		return nil, err
	}
	rootIdx, err := r.uintN(refSize)
	if err != nil {
		return nil, err
	}
	if err := r.skip((int(rootCount) - 1) * refSize); err != nil {
		return nil, err
	}
	if hasIdx {
		if err := r.skip(int(cellCount) * offSize); err != nil {
			return nil, err
		}
	}

	type rawCell struct {
		data   []byte
		bitLen int
		refs   []uint64
	}
	raws := make([]rawCell, cellCount)
	for i := range raws {
		d1, err := r.byte()
		if err != nil {
			return nil, err
		}
		d2, err := r.byte()
		if err != nil {
			return nil, err
		}
		refNum := int(d1 & 0x07)
		if refNum > MaxRefs {
			return nil, fmt.Errorf("%w: cell %d has %d refs", ErrBadBOC, i, refNum)
		}
		byteLen := int(d2>>1) + int(d2&1)
		payload, err := r.bytes(byteLen)
		if err != nil {
			return nil, err
		}
		bitLen := int(d2>>1) * 8
		if d2&1 != 0 {
			// padded cell, completion tag marks the last data bit
			last := payload[byteLen-1]
			if last == 0 {
				return nil, fmt.Errorf("%w: missing completion tag", ErrBadBOC)
			}
			bitLen += 7 - bits.TrailingZeros8(last)
		}
		refs := make([]uint64, refNum)
		for j := range refs {
			ref, err := r.uintN(refSize)
			if err != nil {
				return nil, err
			}
			if ref <= uint64(i) || ref >= cellCount {
				return nil, fmt.Errorf("%w: cell %d ref out of order", ErrBadBOC, i)
			}
			refs[j] = ref
		}
		raws[i] = rawCell{data: payload, bitLen: bitLen, refs: refs}
	}

	// refs always point forward, so building back to front resolves them
	cells := make([]*Cell, cellCount)
	for i := int(cellCount) - 1; i >= 0; i-- {
		raw := raws[i]
		children := make([]*Cell, len(raw.refs))
		for j, ref := range raw.refs {
			children[j] = cells[ref]
		}
		c, err := NewCell(raw.data, raw.bitLen, children)
		if err != nil {
			return nil, err
		}
		cells[i] = c
	}
	return cells[rootIdx], nil
}

// ToBOC serializes the cell tree rooted at c with a crc32c trailer.
func (c *Cell) ToBOC() []byte {
	var order []*Cell
	index := map[*Cell]uint64{}
	var walk func(*Cell)
	walk = func(cl *Cell) {
		if _, ok := index[cl]; ok {
			return
		}
		index[cl] = uint64(len(order))
		order = append(order, cl)
		for i := 0; i < cl.RefCount(); i++ {
			walk(cl.Ref(i))
		}
	}
	walk(c)

	var body []byte
	for _, cl := range order {
		byteLen := (cl.bitLen + 7) / 8
		d1 := byte(cl.RefCount())
		d2 := byte(cl.bitLen/8 + (cl.bitLen+7)/8)
		body = append(body, d1, d2)
		payload := make([]byte, byteLen)
		copy(payload, cl.data[:byteLen])
		if cl.bitLen%8 != 0 {
			payload[byteLen-1] |= 1 << (7 - cl.bitLen%8)
		}
		body = append(body, payload...)
		for i := 0; i < cl.RefCount(); i++ {
			body = append(body, byte(index[cl.Ref(i)]))
		}
	}

	offSize := 1
	for n := len(body); n > 0xff; n >>= 8 {
		offSize++
	}
	out := make([]byte, 0, len(body)+16)
	out = binary.BigEndian.AppendUint32(out, bocMagic)
	out = append(out, 0x40|0x01) // crc enabled, 1-byte refs
	out = append(out, byte(offSize))
	out = append(out, byte(len(order)), 1, 0)
	for i := offSize - 1; i >= 0; i-- {
		out = append(out, byte(len(body)>>(8*i)))
	}
	out = append(out, 0) // root index
	out = append(out, body...)
	sum := crc32.Checksum(out, crc32cTable)
	return binary.LittleEndian.AppendUint32(out, sum)
}

type bocReader struct {
	buf []byte
	pos int
}

func (r *bocReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrBadBOC
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *bocReader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, ErrBadBOC
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *bocReader) skip(n int) error {
	if r.pos+n > len(r.buf) {
		return ErrBadBOC
	}
	r.pos += n
	return nil
}

func (r *bocReader) uintN(n int) (uint64, error) {
	b, err := r.bytes(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}
