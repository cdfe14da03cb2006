// Package crypto provides the transmitter authentication primitives: key
// derivation from the transmitter ID, the duplicated-block AES-128-ECB
// construction used for both token and challenge, and token generation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// BlockSize is the size of tokens, challenges and their encryptions.
const BlockSize = 8

// IDLength is the length of a transmitter serial.
const IDLength = 6

var (
	ErrInvalidTransmitterID = errors.New("invalid transmitter id")
	ErrInvalidKeySize       = errors.New("invalid key size")
)

// ValidateID checks that id is six ASCII letters or digits.
func ValidateID(id string) error {
	if len(id) != IDLength {
		return fmt.Errorf("ble/crypto: id %q has %d characters, want %d: %w", id, len(id), IDLength, ErrInvalidTransmitterID)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !('0' <= c && c <= '9' || 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z') {
			return fmt.Errorf("ble/crypto: id %q contains %q: %w", id, c, ErrInvalidTransmitterID)
		}
	}
	return nil
}

// DeriveKey builds the 16-byte pairwise key "00" + id + "00" + id.
func DeriveKey(id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	key := make([]byte, 0, 16)
	key = append(key, "00"...)
	key = append(key, id...)
	key = append(key, "00"...)
	key = append(key, id...)
	return key, nil
}

// Cipher encrypts 8-byte values with a transmitter key.
type Cipher struct {
	block cipher.Block
}

// NewCipher wraps a 16-byte AES-128 key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("ble/crypto: key is %d bytes, want 16: %w", len(key), ErrInvalidKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	return &Cipher{block: block}, nil
}

// NewCipherForID derives the key for id and wraps it.
func NewCipherForID(id string) (*Cipher, error) {
	key, err := DeriveKey(id)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

// Encrypt runs one AES-ECB block over plaintext duplicated to 16 bytes and
// returns the first 8 bytes of the result.
func (c *Cipher) Encrypt(plaintext [BlockSize]byte) [BlockSize]byte {
	var in, out [aes.BlockSize]byte
	copy(in[:BlockSize], plaintext[:])
	copy(in[BlockSize:], plaintext[:])
	c.block.Encrypt(out[:], in[:])

	var result [BlockSize]byte
	copy(result[:], out[:BlockSize])
	return result
}

// NewToken reads a fresh 8-byte token from r, or crypto/rand when r is nil.
func NewToken(r io.Reader) ([BlockSize]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	var token [BlockSize]byte
	if _, err := io.ReadFull(r, token[:]); err != nil {
		return token, fmt.Errorf("ble/crypto: random token: %w", err)
	}
	return token, nil
}

// TokenMatches compares the transmitter's echo against our own encryption
// in constant time.
func TokenMatches(want, got [BlockSize]byte) bool {
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}
