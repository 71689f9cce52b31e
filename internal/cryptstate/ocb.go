package cryptstate

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
)

const blockSize = 16

// s2 doubles a block in GF(2^128) using the OCB reduction constant.
func s2(b *[blockSize]byte) {
	carry := b[0] >> 7
	for i := 0; i < blockSize-1; i++ {
		b[i] = b[i]<<1 | b[i+1]>>7
	}
	b[blockSize-1] = b[blockSize-1]<<1 ^ carry*0x87
}

// s3 computes x xor s2(x) in place.
func s3(b *[blockSize]byte) {
	orig := *b
	s2(b)
	subtle.XORBytes(b[:], b[:], orig[:])
}

// ocbEncrypt encrypts plain into dst (len(dst) >= len(plain)) under nonce and
// returns the full 16-byte tag.
func ocbEncrypt(block cipher.Block, dst, plain []byte, nonce *[blockSize]byte) [blockSize]byte {
	var delta, checksum, tmp, pad [blockSize]byte
	block.Encrypt(delta[:], nonce[:])

	n := len(plain)
	off := 0
	for n > blockSize {
		s2(&delta)
		subtle.XORBytes(tmp[:], delta[:], plain[off:off+blockSize])
		block.Encrypt(tmp[:], tmp[:])
		subtle.XORBytes(dst[off:off+blockSize], delta[:], tmp[:])
		subtle.XORBytes(checksum[:], checksum[:], plain[off:off+blockSize])
		n -= blockSize
		off += blockSize
	}

	s2(&delta)
	tmp = [blockSize]byte{}
	binary.BigEndian.PutUint32(tmp[blockSize-4:], uint32(n*8))
	subtle.XORBytes(tmp[:], tmp[:], delta[:])
	block.Encrypt(pad[:], tmp[:])

	copy(tmp[:], plain[off:off+n])
	copy(tmp[n:], pad[n:])
	subtle.XORBytes(checksum[:], checksum[:], tmp[:])
	subtle.XORBytes(tmp[:], pad[:], tmp[:])
	copy(dst[off:off+n], tmp[:n])

	s3(&delta)
	subtle.XORBytes(tmp[:], delta[:], checksum[:])
	var tag [blockSize]byte
	block.Encrypt(tag[:], tmp[:])
	return tag
}

// ocbDecrypt is the inverse of ocbEncrypt. The caller compares the returned
// tag against the one carried on the wire.
func ocbDecrypt(block cipher.Block, dst, enc []byte, nonce *[blockSize]byte) [blockSize]byte {
	var delta, checksum, tmp, pad [blockSize]byte
	block.Encrypt(delta[:], nonce[:])

	n := len(enc)
	off := 0
	for n > blockSize {
		s2(&delta)
		subtle.XORBytes(tmp[:], delta[:], enc[off:off+blockSize])
		block.Decrypt(tmp[:], tmp[:])
		subtle.XORBytes(dst[off:off+blockSize], delta[:], tmp[:])
		subtle.XORBytes(checksum[:], checksum[:], dst[off:off+blockSize])
		n -= blockSize
		off += blockSize
	}

	s2(&delta)
	tmp = [blockSize]byte{}
	binary.BigEndian.PutUint32(tmp[blockSize-4:], uint32(n*8))
	subtle.XORBytes(tmp[:], tmp[:], delta[:])
	block.Encrypt(pad[:], tmp[:])

	tmp = [blockSize]byte{}
	copy(tmp[:], enc[off:off+n])
	subtle.XORBytes(tmp[:], tmp[:], pad[:])
	subtle.XORBytes(checksum[:], checksum[:], tmp[:])
	copy(dst[off:off+n], tmp[:n])

	s3(&delta)
	subtle.XORBytes(tmp[:], delta[:], checksum[:])
	var tag [blockSize]byte
	block.Encrypt(tag[:], tmp[:])
	return tag
}
