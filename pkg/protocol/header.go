package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrFrameDecode = errors.New("frame decode failed")
	ErrFrameEncode = errors.New("frame encode failed")
)

// Header is the fixed 17-character prefix of every frame
type Header struct {
	Size       uint32
	Format     DataFormat
	Offset     uint8
	ID         uint16
	Encryption EncryptionType
	Mode       Mode
}

// Encode renders the header as uppercase, zero-padded hex
func (h *Header) Encode() string {
	return fmt.Sprintf("%08X%d%02X%04X%d%d",
		h.Size, h.Format, h.Offset, h.ID, h.Encryption, h.Mode)
}

// ParseHeader parses the first HeaderSize characters of s
func ParseHeader(s string) (*Header, error) {
	if len(s) < HeaderSize {
		return nil, fmt.Errorf("%w: %d characters, header needs %d", ErrFrameDecode, len(s), HeaderSize)
	}

	size, err := strconv.ParseUint(s[0:8], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: size field %q", ErrFrameDecode, s[0:8])
	}
	format, err := digit(s[8])
	if err != nil {
		return nil, fmt.Errorf("%w: format field: %v", ErrFrameDecode, err)
	}
	offset, err := strconv.ParseUint(s[9:11], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: offset field %q", ErrFrameDecode, s[9:11])
	}
	id, err := strconv.ParseUint(s[11:15], 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: id field %q", ErrFrameDecode, s[11:15])
	}
	encryption, err := digit(s[15])
	if err != nil {
		return nil, fmt.Errorf("%w: encryption field: %v", ErrFrameDecode, err)
	}
	mode, err := digit(s[16])
	if err != nil {
		return nil, fmt.Errorf("%w: mode field: %v", ErrFrameDecode, err)
	}

	h := &Header{
		Size:       uint32(size),
		Format:     DataFormat(format),
		Offset:     uint8(offset),
		ID:         uint16(id),
		Encryption: EncryptionType(encryption),
		Mode:       Mode(mode),
	}
	if !h.Format.valid() || !h.Encryption.valid() || !h.Mode.valid() {
		return nil, fmt.Errorf("%w: enum out of range (format=%d encryption=%d mode=%d)",
			ErrFrameDecode, format, encryption, mode)
	}
	return h, nil
}

func digit(c byte) (uint8, error) {
	if c < '0' || c > '9' {
		return 0, fmt.Errorf("invalid digit %q", c)
	}
	return c - '0', nil
}

// Encode renders a frame as its wire string. Size and offset are computed
// from the IV and payload; nothing is written when an error is returned.
func Encode(f Frame) (string, error) {
	if f == nil {
		return "", fmt.Errorf("%w: nil frame", ErrFrameEncode)
	}
	if c, ok := f.(*ConfirmFrame); ok {
		return EncodeConfirmation(c.ID), nil
	}

	env, ok := envelopeOf(f)
	if !ok {
		return "", fmt.Errorf("%w: unsupported frame type %T", ErrFrameEncode, f)
	}
	if !env.Format.valid() {
		return "", fmt.Errorf("%w: format %s", ErrFrameEncode, env.Format)
	}
	if !env.Encryption.valid() {
		return "", fmt.Errorf("%w: encryption %s", ErrFrameEncode, env.Encryption)
	}
	if len(env.IV) > MaxIVLength {
		return "", fmt.Errorf("%w: iv length %d exceeds %d", ErrFrameEncode, len(env.IV), MaxIVLength)
	}
	size := uint64(env.DataSize())
	if size > MaxDataSize {
		return "", fmt.Errorf("%w: frame size %d exceeds size field", ErrFrameEncode, size)
	}

	h := Header{
		Size:       uint32(size),
		Format:     env.Format,
		Offset:     uint8(env.DataOffset()),
		ID:         env.ID,
		Encryption: env.Encryption,
		Mode:       f.Mode(),
	}

	var b strings.Builder
	b.Grow(int(size))
	b.WriteString(h.Encode())
	b.WriteString(env.IV)
	b.WriteString(env.Payload)
	return b.String(), nil
}

// EncodeConfirmation renders the 17-character CONFIRM frame for id
func EncodeConfirmation(id uint16) string {
	h := Header{
		Size:       HeaderSize,
		Format:     FormatNone,
		Offset:     HeaderSize,
		ID:         id,
		Encryption: EncryptionNone,
		Mode:       ModeConfirm,
	}
	return h.Encode()
}

// Decode parses a wire string into a frame. On error the returned frame is nil.
func Decode(s string) (Frame, error) {
	h, err := ParseHeader(s)
	if err != nil {
		return nil, err
	}
	if h.Mode == ModeConfirm {
		return &ConfirmFrame{ID: h.ID}, nil
	}

	offset := int(h.Offset)
	if offset < HeaderSize || offset > len(s) {
		return nil, fmt.Errorf("%w: offset %d outside [%d, %d]", ErrFrameDecode, offset, HeaderSize, len(s))
	}

	env := Envelope{
		ID:         h.ID,
		Format:     h.Format,
		Encryption: h.Encryption,
		IV:         s[HeaderSize:offset],
		Payload:    s[offset:],
	}

	switch h.Mode {
	case ModeData:
		return &DataFrame{env}, nil
	case ModeRSAPublicKey:
		return &PublicKeyFrame{env}, nil
	case ModeAESKey:
		return &KeyFrame{env}, nil
	}
	return nil, fmt.Errorf("%w: mode %s", ErrFrameDecode, h.Mode)
}
