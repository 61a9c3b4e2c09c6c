// Package utils holds small byte helpers shared by the wire-facing packages.
package utils

// PadBytes returns a copy of b resized to exactly length bytes. Shorter
// input is zero-padded, longer input is truncated.
//
// Parameters:
//   - b: The source bytes
//   - length: The fixed length of the result
//
// Returns:
//   - A new byte slice of length bytes
func PadBytes(b []byte, length int) []byte {
	out := make([]byte, length)
	copy(out, b)
	return out
}

// JoinBytes concatenates the given byte slices into a single byte slice.
//
// Parameters:
//   - s: One or more byte slices to concatenate
//
// Returns:
//   - A new byte slice containing all input slices in order
func JoinBytes(s ...[]byte) []byte {
	n := 0
	for _, v := range s {
		n += len(v)
	}

	b, i := make([]byte, n), 0
	for _, v := range s {
		i += copy(b[i:], v)
	}

	return b
}
