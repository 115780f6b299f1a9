package dma

import "encoding/binary"

// Binary encoding helpers for the little-endian layout used throughout the
// control region and in-band chunk headers.

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:off+8], v) }

func readU32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }
func readU64(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off : off+8]) }

// alignUp8 rounds v up to the nearest multiple of 8.
func alignUp8(v uint32) uint32 { return (v + 7) &^ 7 }
