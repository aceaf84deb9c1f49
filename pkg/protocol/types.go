package protocol

import "fmt"

// Header layout constants
const (
	// HeaderSize is the fixed length of the hex header (8+1+2+4+1+1)
	HeaderSize = 17

	sizeWidth   = 8
	offsetWidth = 2
	idWidth     = 4

	// MaxDataSize is the largest value the 8-digit size field can carry
	MaxDataSize = 0xFFFFFFFF

	// MaxOffset is the largest value the 2-digit offset field can carry
	MaxOffset = 0xFF

	// MaxIVLength is the longest IV that still fits the offset field
	MaxIVLength = MaxOffset - HeaderSize

	// IVDummy is carried by frames that do not use an IV
	IVDummy = "0000000000000000"

	// AESIVSize is the raw IV length of AES frames (24 chars once base64 encoded)
	AESIVSize = 16
)

// Sub-protocol commands exchanged as decrypted payloads
const (
	CmdGetName        = "get-name"
	CmdSetNamePrefix  = "set-name:"
	CmdStatusRequest  = "rq:status"
	CmdStatusResponse = "rs:status:active"
)

// DataFormat describes how the payload is encoded
type DataFormat uint8

const (
	FormatNone DataFormat = iota
	FormatPlainText
	FormatBase64
)

func (f DataFormat) valid() bool { return f <= FormatBase64 }

func (f DataFormat) String() string {
	switch f {
	case FormatNone:
		return "NONE"
	case FormatPlainText:
		return "PLAIN_TEXT"
	case FormatBase64:
		return "BASE64"
	default:
		return fmt.Sprintf("DataFormat(%d)", uint8(f))
	}
}

// EncryptionType describes how the payload is encrypted
type EncryptionType uint8

const (
	EncryptionNone EncryptionType = iota
	EncryptionAES
	EncryptionRSA
)

func (e EncryptionType) valid() bool { return e <= EncryptionRSA }

func (e EncryptionType) String() string {
	switch e {
	case EncryptionNone:
		return "NONE"
	case EncryptionAES:
		return "AES"
	case EncryptionRSA:
		return "RSA"
	default:
		return fmt.Sprintf("EncryptionType(%d)", uint8(e))
	}
}

// Mode is the frame category
type Mode uint8

const (
	ModeData Mode = iota
	ModeConfirm
	ModeRSAPublicKey
	ModeAESKey
)

func (m Mode) valid() bool { return m <= ModeAESKey }

func (m Mode) String() string {
	switch m {
	case ModeData:
		return "DATA"
	case ModeConfirm:
		return "CONFIRM"
	case ModeRSAPublicKey:
		return "RSA_PUBKEY"
	case ModeAESKey:
		return "AES_KEY"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// NextID returns the transmission ID following id. The wire field is four
// hex digits wide, so the sequence wraps from 0xFFFF back to 0.
func NextID(id uint16) uint16 {
	return uint16((uint32(id) + 1) & 0xFFFF)
}
