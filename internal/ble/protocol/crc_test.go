package protocol

import (
	"bytes"
	"testing"
)

func TestCRC16CheckValue(t *testing.T) {
	// Standard check value for CRC-16/CCITT-FALSE.
	if got := CRC16([]byte("123456789")); got != 0x29B1 {
		t.Errorf("CRC16(123456789) = %#04x, want 0x29b1", got)
	}
	if got := CRC16(nil); got != 0xFFFF {
		t.Errorf("CRC16(nil) = %#04x, want 0xffff", got)
	}
}

func TestAppendCRCLittleEndian(t *testing.T) {
	got := AppendCRC([]byte("123456789"))
	if !bytes.Equal(got[9:], []byte{0xB1, 0x29}) {
		t.Errorf("trailer = %x, want b129", got[9:])
	}
}

func TestVerifyCRC(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x24},
		{0x4e},
		[]byte("the quick brown fox"),
		bytes.Repeat([]byte{0xA5}, 64),
	}
	for _, in := range inputs {
		msg := AppendCRC(bytes.Clone(in))
		if !VerifyCRC(msg) {
			t.Errorf("VerifyCRC(%x) = false, want true", msg)
		}
	}
}

func TestVerifyCRCSingleBitFlip(t *testing.T) {
	msg := AppendCRC([]byte{0x4f, 0x00, 0x64, 0x00, 0x00, 0x00, 0x88, 0x13})
	for i := 0; i < len(msg)-CRCSize; i++ {
		for bit := 0; bit < 8; bit++ {
			flipped := bytes.Clone(msg)
			flipped[i] ^= 1 << bit
			if VerifyCRC(flipped) {
				t.Errorf("VerifyCRC accepted flip of byte %d bit %d", i, bit)
			}
		}
	}
}

func TestVerifyCRCTooShort(t *testing.T) {
	if VerifyCRC([]byte{0x01}) {
		t.Error("VerifyCRC accepted a 1-byte message")
	}
}
