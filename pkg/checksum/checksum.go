// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package checksum implements the engine's checksum algorithms and the
// size-based selection policy used to pick between them. Algorithm
// *selection* is in scope; the algorithms themselves are thin wrappers
// around the standard library's hardware-accelerated implementations
// (CRC32C, CRC64, Adler-32) plus github.com/cespare/xxhash/v2 for xxHash64.
package checksum

import (
	"hash"
	"hash/adler32"
	"hash/crc32"
	"hash/crc64"

	"github.com/cespare/xxhash/v2"
)

// Algorithm identifies one of the four checksum families spec §4.2 names.
type Algorithm int

const (
	CRC32C Algorithm = iota
	XXHash64
	CRC64
	Adler32
)

func (a Algorithm) String() string {
	switch a {
	case CRC32C:
		return "crc32c"
	case XXHash64:
		return "xxhash64"
	case CRC64:
		return "crc64"
	case Adler32:
		return "adler32"
	default:
		return "unknown"
	}
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)
var crc64Table = crc64.MakeTable(crc64.ISO)

// smallFrameThreshold is the boundary below which Adler-32 is preferred: it
// is cheaper to compute on tiny buffers and its weaker error-detection
// properties matter less when the buffer is a small, already-CRC'd frame
// header rather than a full payload.
const smallFrameThreshold = 1024

// Select implements spec §4.2's selection policy: buffers under 1 KiB use
// Adler-32; everything else uses CRC32C, which the runtime accelerates in
// hardware on amd64/arm64 (see golang.org/x/sys cpu feature detection, an
// external collaborator this package never queries directly — it simply
// calls into hash/crc32, which does its own dispatch).
func Select(size int, cryptoStrength bool) Algorithm {
	if cryptoStrength {
		return CRC64
	}
	if size < smallFrameThreshold {
		return Adler32
	}
	return CRC32C
}

// Compute performs a one-shot checksum of data using algorithm a.
func Compute(a Algorithm, data []byte) uint64 {
	switch a {
	case CRC32C:
		return uint64(crc32.Checksum(data, castagnoliTable))
	case XXHash64:
		return xxhash.Sum64(data)
	case CRC64:
		return crc64.Checksum(data, crc64Table)
	case Adler32:
		return uint64(adler32.Checksum(data))
	default:
		return 0
	}
}

// Compute32 is Compute specialized to the 32-bit algorithms (CRC32C and
// Adler-32), which is what the on-disk frame/header/footer formats actually
// store (spec §3's delta frame and checkpoint header/footer carry 32-bit
// CRC32C fields).
func Compute32(a Algorithm, data []byte) uint32 {
	return uint32(Compute(a, data))
}

// CRC32CChecksum is a convenience one-shot for the primary on-disk checksum.
func CRC32CChecksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// CombineCRC32C implements the CRC32C parallel-combine contract: given
// CRC32CChecksum(a), CRC32CChecksum(b), and len(b), returns
// CRC32CChecksum(append(a, b...)) without needing a's bytes. Only CRC32C and
// CRC64 declare combine per spec §9's open question; xxHash64 and Adler-32
// callers that need to parallelize a hash across chunks should use CRC32C
// instead, as the spec directs.
func CombineCRC32C(crcA, crcB uint32, lenB int64) uint32 {
	return gf2Combine32(uint32(crc32.Castagnoli), crcA, crcB, lenB)
}

// CombineCRC64 is the CRC64 analogue of CombineCRC32C.
func CombineCRC64(crcA, crcB uint64, lenB int64) uint64 {
	return gf2Combine64(crc64.ISO, crcA, crcB, lenB)
}

// The following is the classic zlib crc32_combine algorithm generalized to
// an arbitrary reflected-polynomial width: treat the CRC as an element of
// GF(2)[x]/poly and use repeated squaring to find the linear operator that
// appends lenB zero bytes, then XOR in crcB.

func gf2MatrixTimes32(mat *[32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare32(square, mat *[32]uint32) {
	for n := range mat {
		square[n] = gf2MatrixTimes32(mat, mat[n])
	}
}

func gf2Combine32(poly, crcA, crcB uint32, lenB int64) uint32 {
	if lenB <= 0 {
		return crcA
	}
	var even, odd [32]uint32
	odd[0] = poly
	row := uint32(1)
	for n := 1; n < 32; n++ {
		odd[n] = row
		row <<= 1
	}
	gf2MatrixSquare32(&even, &odd)
	gf2MatrixSquare32(&odd, &even)

	result := crcA
	length := uint64(lenB)
	for {
		gf2MatrixSquare32(&even, &odd)
		if length&1 != 0 {
			result = gf2MatrixTimes32(&even, result)
		}
		length >>= 1
		if length == 0 {
			break
		}
		gf2MatrixSquare32(&odd, &even)
		if length&1 != 0 {
			result = gf2MatrixTimes32(&odd, result)
		}
		length >>= 1
		if length == 0 {
			break
		}
	}
	return result ^ crcB
}

func gf2MatrixTimes64(mat *[64]uint64, vec uint64) uint64 {
	var sum uint64
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare64(square, mat *[64]uint64) {
	for n := range mat {
		square[n] = gf2MatrixTimes64(mat, mat[n])
	}
}

func gf2Combine64(poly, crcA, crcB uint64, lenB int64) uint64 {
	if lenB <= 0 {
		return crcA
	}
	var even, odd [64]uint64
	odd[0] = poly
	row := uint64(1)
	for n := 1; n < 64; n++ {
		odd[n] = row
		row <<= 1
	}
	gf2MatrixSquare64(&even, &odd)
	gf2MatrixSquare64(&odd, &even)

	result := crcA
	length := uint64(lenB)
	for {
		gf2MatrixSquare64(&even, &odd)
		if length&1 != 0 {
			result = gf2MatrixTimes64(&even, result)
		}
		length >>= 1
		if length == 0 {
			break
		}
		gf2MatrixSquare64(&odd, &even)
		if length&1 != 0 {
			result = gf2MatrixTimes64(&odd, result)
		}
		length >>= 1
		if length == 0 {
			break
		}
	}
	return result ^ crcB
}

// Streaming returns a hash.Hash for algorithm a, for callers implementing
// reset/update/finalize themselves (spec §4.2's streaming contract).
func Streaming(a Algorithm) hash.Hash {
	switch a {
	case CRC32C:
		return crc32.New(castagnoliTable)
	case XXHash64:
		return xxhash.New()
	case CRC64:
		return crc64.New(crc64Table)
	case Adler32:
		return adler32.New()
	default:
		return crc32.New(castagnoliTable)
	}
}
