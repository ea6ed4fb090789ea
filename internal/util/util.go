// Package util contains small arithmetic and byte-packing helpers shared
// across the kernel, adapted from biscuit's util package.
package util

import "unsafe"

// Int is satisfied by all built-in integer types.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads n little-endian bytes from a starting at off.
func Readn(a []uint8, n int, off int) uint64 {
	if off < 0 || n < 0 || off+n > len(a) {
		panic("Readn out of bounds")
	}
	var ret uint64
	for i := 0; i < n; i++ {
		ret |= uint64(a[off+i]) << (8 * uint(i))
	}
	return ret
}

// Writen writes val using sz little-endian bytes into a starting at off.
func Writen(a []uint8, sz int, off int, val uint64) {
	if off < 0 || sz < 0 || off+sz > len(a) {
		panic("Writen out of bounds")
	}
	for i := 0; i < sz; i++ {
		a[off+i] = uint8(val >> (8 * uint(i)))
	}
}

// PutLE16 writes v as two little-endian bytes at a[off:].
func PutLE16(a []uint8, off int, v uint16) { Writen(a, 2, off, uint64(v)) }

// PutLE32 writes v as four little-endian bytes at a[off:].
func PutLE32(a []uint8, off int, v uint32) { Writen(a, 4, off, uint64(v)) }

// PutLE64 writes v as eight little-endian bytes at a[off:].
func PutLE64(a []uint8, off int, v uint64) { Writen(a, 8, off, v) }

// GetLE16 reads two little-endian bytes at a[off:].
func GetLE16(a []uint8, off int) uint16 { return uint16(Readn(a, 2, off)) }

// GetLE32 reads four little-endian bytes at a[off:].
func GetLE32(a []uint8, off int) uint32 { return uint32(Readn(a, 4, off)) }

// GetLE64 reads eight little-endian bytes at a[off:].
func GetLE64(a []uint8, off int) uint64 { return Readn(a, 8, off) }

// Zero clears n bytes of unsafe-pointed memory without a
// bounds-checked Go slice round trip.
func Zero(p unsafe.Pointer, n int) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}
