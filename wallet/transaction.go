package wallet

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	signatureLength = 64
	pubkeyLength    = 32
	blockhashLength = 32

	versionedMessageFlag = 0x80
)

var (
	ErrMalformedTransaction   = errors.New("malformed transaction")
	ErrSignerNotInTransaction = errors.New("signer is not a required signer of the transaction")
)

// Transaction is a decoded wire transaction: a signature list followed by a
// legacy or v0 message. Only the parts needed to re-sign are decoded.
type Transaction struct {
	signatures [][]byte
	message    []byte

	version         int // -1 for legacy messages
	numSigners      int
	accountKeys     [][]byte
	blockhashOffset int
}

// ParseTransaction decodes a serialized transaction
func ParseTransaction(raw []byte) (*Transaction, error) {
	numSigs, pos, err := decodeCompactU16(raw, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: signature count: %v", ErrMalformedTransaction, err)
	}
	if len(raw) < pos+numSigs*signatureLength {
		return nil, fmt.Errorf("%w: truncated signatures", ErrMalformedTransaction)
	}

	tx := &Transaction{signatures: make([][]byte, numSigs)}
	for i := 0; i < numSigs; i++ {
		sig := make([]byte, signatureLength)
		copy(sig, raw[pos:pos+signatureLength])
		tx.signatures[i] = sig
		pos += signatureLength
	}
	tx.message = append([]byte(nil), raw[pos:]...)

	if err := tx.parseMessage(); err != nil {
		return nil, err
	}
	if tx.numSigners != numSigs {
		return nil, fmt.Errorf("%w: %d signature slots for %d required signers", ErrMalformedTransaction, numSigs, tx.numSigners)
	}
	return tx, nil
}

func (t *Transaction) parseMessage() error {
	msg := t.message
	if len(msg) == 0 {
		return fmt.Errorf("%w: empty message", ErrMalformedTransaction)
	}

	pos := 0
	t.version = -1
	if msg[0]&versionedMessageFlag != 0 {
		t.version = int(msg[0] &^ versionedMessageFlag)
		if t.version != 0 {
			return fmt.Errorf("%w: unsupported message version %d", ErrMalformedTransaction, t.version)
		}
		pos++
	}

	// header: required signatures, readonly signed, readonly unsigned
	if len(msg) < pos+3 {
		return fmt.Errorf("%w: truncated header", ErrMalformedTransaction)
	}
	t.numSigners = int(msg[pos])
	pos += 3

	numKeys, pos, err := decodeCompactU16(msg, pos)
	if err != nil {
		return fmt.Errorf("%w: account count: %v", ErrMalformedTransaction, err)
	}
	if t.numSigners > numKeys {
		return fmt.Errorf("%w: %d signers but %d accounts", ErrMalformedTransaction, t.numSigners, numKeys)
	}
	if len(msg) < pos+numKeys*pubkeyLength+blockhashLength {
		return fmt.Errorf("%w: truncated account keys", ErrMalformedTransaction)
	}

	t.accountKeys = make([][]byte, numKeys)
	for i := 0; i < numKeys; i++ {
		t.accountKeys[i] = msg[pos : pos+pubkeyLength]
		pos += pubkeyLength
	}
	t.blockhashOffset = pos
	return nil
}

// Version returns the message version, or -1 for a legacy message
func (t *Transaction) Version() int {
	return t.version
}

// RecentBlockhash returns the base58 blockhash the message currently carries
func (t *Transaction) RecentBlockhash() string {
	return base58.Encode(t.message[t.blockhashOffset : t.blockhashOffset+blockhashLength])
}

// SetRecentBlockhash replaces the message blockhash. Existing signatures become invalid.
func (t *Transaction) SetRecentBlockhash(hash []byte) error {
	if len(hash) != blockhashLength {
		return fmt.Errorf("blockhash must be %d bytes, got %d", blockhashLength, len(hash))
	}
	copy(t.message[t.blockhashOffset:], hash)
	for _, sig := range t.signatures {
		for i := range sig {
			sig[i] = 0
		}
	}
	return nil
}

// Signers returns the base58 addresses of the required signers, fee payer first
func (t *Transaction) Signers() []string {
	out := make([]string, t.numSigners)
	for i := 0; i < t.numSigners; i++ {
		out[i] = base58.Encode(t.accountKeys[i])
	}
	return out
}

// Sign signs the message and places the signature in the slot of key's public key
func (t *Transaction) Sign(key ed25519.PrivateKey) ([]byte, error) {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type")
	}
	for i := 0; i < t.numSigners; i++ {
		if bytes.Equal(t.accountKeys[i], pub) {
			sig := ed25519.Sign(key, t.message)
			copy(t.signatures[i], sig)
			return sig, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSignerNotInTransaction, base58.Encode(pub))
}

// ID returns the transaction id, the base58 fee payer signature
func (t *Transaction) ID() string {
	if len(t.signatures) == 0 {
		return ""
	}
	return base58.Encode(t.signatures[0])
}

// Serialize encodes the transaction back to wire format
func (t *Transaction) Serialize() []byte {
	buf := make([]byte, 0, 3+len(t.signatures)*signatureLength+len(t.message))
	buf = appendCompactU16(buf, len(t.signatures))
	for _, sig := range t.signatures {
		buf = append(buf, sig...)
	}
	return append(buf, t.message...)
}

// decodeCompactU16 reads the variable-length u16 used for array lengths
func decodeCompactU16(data []byte, pos int) (int, int, error) {
	val := 0
	for i := 0; i < 3; i++ {
		if pos >= len(data) {
			return 0, 0, errors.New("unexpected end of data")
		}
		b := data[pos]
		pos++
		val |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			if val > 0xffff {
				return 0, 0, errors.New("compact-u16 overflow")
			}
			return val, pos, nil
		}
	}
	return 0, 0, errors.New("compact-u16 too long")
}

func appendCompactU16(buf []byte, val int) []byte {
	for {
		b := byte(val & 0x7f)
		val >>= 7
		if val == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}
