package crypto

import "bytes"

// ZeroPad extends message with zero bytes to a multiple of blockSize. Input
// that is already aligned (including empty input) gets no extra block, so the
// padding cannot be removed unambiguously.
func ZeroPad(message []byte, blockSize int) []byte {
	padded := make([]byte, paddedSize(len(message), blockSize))
	copy(padded, message)
	return padded
}

func paddedSize(n, blockSize int) int {
	if rem := n % blockSize; rem != 0 {
		return n + blockSize - rem
	}
	return n
}

// TrimZeroPadding drops trailing zero bytes. Plaintext that ends in
// meaningful zero bytes loses them too.
func TrimZeroPadding(padded []byte) []byte {
	return bytes.TrimRight(padded, "\x00")
}
