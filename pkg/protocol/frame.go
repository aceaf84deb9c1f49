package protocol

// Frame is one protocol message. It is implemented by *DataFrame,
// *ConfirmFrame, *PublicKeyFrame and *KeyFrame; the concrete type is the mode.
type Frame interface {
	Mode() Mode
	TransmissionID() uint16
	SetTransmissionID(id uint16)
}

// Envelope holds the fields shared by every payload-bearing frame
type Envelope struct {
	ID         uint16
	Format     DataFormat
	Encryption EncryptionType
	IV         string
	Payload    string
}

// TransmissionID returns the frame's sequence number
func (e *Envelope) TransmissionID() uint16 { return e.ID }

// SetTransmissionID assigns the frame's sequence number
func (e *Envelope) SetTransmissionID(id uint16) { e.ID = id }

// DataSize returns the encoded length of the frame
func (e *Envelope) DataSize() int { return HeaderSize + len(e.IV) + len(e.Payload) }

// DataOffset returns the index where the payload starts
func (e *Envelope) DataOffset() int { return HeaderSize + len(e.IV) }

// DataFrame carries application data
type DataFrame struct{ Envelope }

// Mode implements Frame
func (*DataFrame) Mode() Mode { return ModeData }

// PublicKeyFrame carries the host's exported RSA public key
type PublicKeyFrame struct{ Envelope }

// Mode implements Frame
func (*PublicKeyFrame) Mode() Mode { return ModeRSAPublicKey }

// KeyFrame carries the peer's symmetric key wrapped under the RSA public key
type KeyFrame struct{ Envelope }

// Mode implements Frame
func (*KeyFrame) Mode() Mode { return ModeAESKey }

// ConfirmFrame acknowledges the frame with the same transmission ID.
// It has no IV and no payload.
type ConfirmFrame struct {
	ID uint16
}

// Mode implements Frame
func (*ConfirmFrame) Mode() Mode { return ModeConfirm }

// TransmissionID returns the acknowledged sequence number
func (c *ConfirmFrame) TransmissionID() uint16 { return c.ID }

// SetTransmissionID assigns the acknowledged sequence number
func (c *ConfirmFrame) SetTransmissionID(id uint16) { c.ID = id }

// NewPlainData builds an unencrypted DATA frame with the dummy IV
func NewPlainData(payload string) *DataFrame {
	return &DataFrame{Envelope{
		Format:     FormatPlainText,
		Encryption: EncryptionNone,
		IV:         IVDummy,
		Payload:    payload,
	}}
}

// NewEncryptedData builds an AES DATA frame from base64 ciphertext and IV
func NewEncryptedData(ciphertext, iv string) *DataFrame {
	return &DataFrame{Envelope{
		Format:     FormatBase64,
		Encryption: EncryptionAES,
		IV:         iv,
		Payload:    ciphertext,
	}}
}

// NewPublicKey builds the RSA_PUBKEY frame that opens the handshake
func NewPublicKey(publicKey string) *PublicKeyFrame {
	return &PublicKeyFrame{Envelope{
		Format:     FormatPlainText,
		Encryption: EncryptionNone,
		IV:         IVDummy,
		Payload:    publicKey,
	}}
}

// NewKey builds the AES_KEY frame answering the handshake
func NewKey(wrappedKey, iv string) *KeyFrame {
	return &KeyFrame{Envelope{
		Format:     FormatBase64,
		Encryption: EncryptionRSA,
		IV:         iv,
		Payload:    wrappedKey,
	}}
}

// envelopeOf returns the shared fields of a payload-bearing frame
func envelopeOf(f Frame) (*Envelope, bool) {
	switch v := f.(type) {
	case *DataFrame:
		return &v.Envelope, true
	case *PublicKeyFrame:
		return &v.Envelope, true
	case *KeyFrame:
		return &v.Envelope, true
	default:
		return nil, false
	}
}

// EnvelopeOf exposes the shared fields of a payload-bearing frame.
// It returns false for confirmations.
func EnvelopeOf(f Frame) (*Envelope, bool) {
	return envelopeOf(f)
}
