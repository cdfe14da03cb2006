package ble

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

// fakeCharacteristic records the calls a connection makes on it.
type fakeCharacteristic struct {
	written  [][]byte
	writeErr error
	value    []byte
	callback func([]byte)
	enables  int
	disables int
}

func (f *fakeCharacteristic) Read(data []byte) (int, error) {
	return copy(data, f.value), nil
}

func (f *fakeCharacteristic) WriteWithoutResponse(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeCharacteristic) EnableNotifications(cb func([]byte)) error {
	if cb == nil {
		f.disables++
		f.callback = nil
		return nil
	}
	f.enables++
	f.callback = cb
	return nil
}

func newTestBluetoothConnection(chars map[Handle]characteristic) *bluetoothConnection {
	c := &bluetoothConnection{
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		chars: chars,
		cccds: make(map[Handle]Handle),
	}
	for h := range chars {
		c.cccds[CCCDHandle(h)] = h
	}
	return c
}

func TestBluetoothConnectionWrite(t *testing.T) {
	ch := &fakeCharacteristic{}
	c := newTestBluetoothConnection(map[Handle]characteristic{0x13: ch})

	if err := c.Write(context.Background(), 0x13, []byte{0x24, 0xe6, 0x64}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(ch.written) != 1 || !bytes.Equal(ch.written[0], []byte{0x24, 0xe6, 0x64}) {
		t.Errorf("written = %x, want [24e664]", ch.written)
	}

	ch.writeErr = errors.New("link lost")
	if err := c.Write(context.Background(), 0x13, []byte{0x09}); err == nil {
		t.Error("Write() error = nil, want link error")
	}
	if err := c.Write(context.Background(), 0x40, []byte{0x09}); err == nil {
		t.Error("Write(unknown handle) error = nil")
	}
}

func TestBluetoothConnectionSubscribe(t *testing.T) {
	ch := &fakeCharacteristic{}
	c := newTestBluetoothConnection(map[Handle]characteristic{0x16: ch})

	var got []byte
	var gotHandle Handle
	c.OnNotification(func(h Handle, data []byte) { gotHandle, got = h, data })

	if err := c.Write(context.Background(), CCCDHandle(0x16), []byte{0x01, 0x00}); err != nil {
		t.Fatalf("enable error = %v", err)
	}
	if len(ch.written) != 0 {
		t.Errorf("CCCD write reached the characteristic value: %x", ch.written)
	}
	if ch.callback == nil {
		t.Fatal("notifications not enabled")
	}

	buf := []byte{0x01, 0x10, 0xaa}
	ch.callback(buf)
	buf[2] = 0
	if gotHandle != 0x16 || !bytes.Equal(got, []byte{0x01, 0x10, 0xaa}) {
		t.Errorf("notification = %s %x, want 0x0016 0110aa", gotHandle, got)
	}

	// disabling must reach the same characteristic that was enabled
	if err := c.Write(context.Background(), CCCDHandle(0x16), []byte{0x00, 0x00}); err != nil {
		t.Fatalf("disable error = %v", err)
	}
	if ch.enables != 1 || ch.disables != 1 || ch.callback != nil {
		t.Errorf("enables = %d, disables = %d, want 1 and 1 with no callback", ch.enables, ch.disables)
	}
}

func TestBluetoothConnectionRead(t *testing.T) {
	ch := &fakeCharacteristic{value: []byte{0x03, 0x01, 0x01}}
	c := newTestBluetoothConnection(map[Handle]characteristic{0x10: ch})

	got, err := c.Read(context.Background(), 0x10)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, ch.value) {
		t.Errorf("Read() = %x, want %x", got, ch.value)
	}
	if _, err := c.Read(context.Background(), CCCDHandle(0x10)); err == nil {
		t.Error("Read(CCCD) error = nil")
	}
}
