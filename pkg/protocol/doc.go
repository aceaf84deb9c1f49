// Package protocol implements the devlink wire format.
//
// Every frame starts with a fixed 17-character ASCII header followed by an
// optional IV and the payload:
//
//	SSSSSSSS F OO IIII E M  IV...  PAYLOAD...
//
//   - SSSSSSSS: total frame length, 8 hex digits
//   - F:        data format (0 none, 1 plain text, 2 base64)
//   - OO:       payload offset, 2 hex digits (17 + IV length)
//   - IIII:     transmission ID, 4 hex digits
//   - E:        encryption (0 none, 1 AES, 2 RSA)
//   - M:        mode (0 data, 1 confirm, 2 RSA public key, 3 AES key)
//
// Hex digits are emitted uppercase and accepted in either case.
//
// # Handshake
//
// The host opens a connection by sending its RSA public key in an
// RSA_PUBKEY frame. The device answers with an AES_KEY frame holding a
// random symmetric key wrapped under that public key. From then on DATA
// frames carry base64 AES-CBC ciphertext with a fresh IV each.
//
// # Delivery
//
// Each frame other than a CONFIRM carries a transmission ID and is
// retransmitted until the peer answers with a CONFIRM frame of the same ID.
// CONFIRM frames are never acknowledged themselves.
//
// # Framing on the stream
//
// The host reads one frame per line and writes frames back to back with no
// terminator. Devices use FrameReader or SplitFrames to cut the stream
// along each frame's size field.
package protocol
