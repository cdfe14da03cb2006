package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// maxAttributeSize bounds a single characteristic read.
const maxAttributeSize = 512

// firstHandle is the first synthetic value handle handed out by Discover.
const firstHandle Handle = 0x0010

// BluetoothAdapter wraps tinygo.org/x/bluetooth. The library does not expose
// ATT handles, so connections assign synthetic ones at discovery time: each
// characteristic gets a value handle and the following handle as its CCCD.
type BluetoothAdapter struct {
	adapter *bluetooth.Adapter
	log     *slog.Logger

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*bluetoothConnection // keyed by device address
}

// NewBluetoothAdapter creates an adapter on the default host controller.
func NewBluetoothAdapter(log *slog.Logger) *BluetoothAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &BluetoothAdapter{
		adapter:     bluetooth.DefaultAdapter,
		log:         log,
		connections: make(map[string]*bluetoothConnection),
	}
}

func (a *BluetoothAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if ok {
			conn.disconnected()
		}
	})

	return nil
}

func (a *BluetoothAdapter) Scan(ctx context.Context, match func(Device) bool) (Device, error) {
	var (
		mu    sync.Mutex
		found *Device
	)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		d := Device{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		if !match(d) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if found != nil {
			return
		}
		found = &d
		_ = adapter.StopScan()
	})
	close(done)

	mu.Lock()
	defer mu.Unlock()
	if found != nil {
		return *found, nil
	}
	if ctx.Err() != nil {
		return Device{}, fmt.Errorf("ble: scan: %w", ctx.Err())
	}
	if err != nil {
		return Device{}, fmt.Errorf("ble: scan: %w", err)
	}
	return Device{}, fmt.Errorf("ble: scan stopped without a match")
}

func (a *BluetoothAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout; we return as
	// soon as ctx is done even though the attempt keeps running.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &bluetoothConnection{
			device: result.device,
			log:    a.log.With("address", address),
			chars:  make(map[Handle]characteristic),
			cccds:  make(map[Handle]Handle),
		}

		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

var _ Adapter = (*BluetoothAdapter)(nil)

type bluetoothConnection struct {
	device bluetooth.Device
	log    *slog.Logger

	mu           sync.Mutex
	chars        map[Handle]characteristic // by value handle
	cccds        map[Handle]Handle         // CCCD handle -> value handle
	notify       func(Handle, []byte)
	disconnectCb func()
}

var _ Connection = (*bluetoothConnection)(nil)

// characteristic is the subset of a discovered GATT characteristic a
// connection uses. Only these methods exist on every tinygo backend.
type characteristic interface {
	Read(data []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

// EnableNotifications has a pointer receiver on Linux.
var _ characteristic = (*bluetooth.DeviceCharacteristic)(nil)

// Bonded always reports false: tinygo/bluetooth does not expose the bond
// state, so every session authenticates.
func (c *bluetoothConnection) Bonded() bool { return false }

func (c *bluetoothConnection) Discover(ctx context.Context) (*Directory, error) {
	svcUUID, err := bluetooth.ParseUUID(ServiceUUID.String())
	if err != nil {
		return nil, err
	}

	var dir *Directory
	err = withContext(ctx, func() error {
		svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
		if err != nil {
			return fmt.Errorf("ble: discover services: %w", err)
		}
		if len(svcs) == 0 {
			return fmt.Errorf("ble: service %s not found", ServiceUUID)
		}

		chars, err := svcs[0].DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("ble: discover characteristics: %w", err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		dir = NewDirectory()
		next := firstHandle
		for i := range chars {
			// notification state lives on the characteristic, so keep a pointer
			ch := &chars[i]
			id, err := uuid.Parse(ch.UUID().String())
			if err != nil {
				c.log.Warn("[BLE] skipping characteristic", "uuid", ch.UUID().String(), "error", err)
				continue
			}
			value := next
			c.chars[value] = ch
			c.cccds[CCCDHandle(value)] = value
			dir.Add(CharacteristicEntry{UUID: id, ValueHandle: value})
			next += 3
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Debug("[BLE] discovered characteristics", "count", dir.Len())
	return dir, nil
}

func (c *bluetoothConnection) Write(ctx context.Context, h Handle, data []byte) error {
	c.mu.Lock()
	value, isCCCD := c.cccds[h]
	if isCCCD {
		h = value
	}
	ch, ok := c.chars[h]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: write %s: unknown handle", h)
	}

	if isCCCD {
		return withContext(ctx, func() error { return c.subscribe(ch, value, data) })
	}
	// Returns once the write is queued; the peer does not acknowledge it.
	return withContext(ctx, func() error {
		if _, err := ch.WriteWithoutResponse(data); err != nil {
			return fmt.Errorf("ble: write %s: %w", h, err)
		}
		return nil
	})
}

// subscribe turns a CCCD write into EnableNotifications. The library does
// not distinguish indications from notifications.
func (c *bluetoothConnection) subscribe(ch characteristic, value Handle, cccd []byte) error {
	if len(cccd) == 0 || cccd[0] == 0 {
		if err := ch.EnableNotifications(nil); err != nil {
			return fmt.Errorf("ble: disable notifications on %s: %w", value, err)
		}
		return nil
	}
	err := ch.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		c.mu.Lock()
		cb := c.notify
		c.mu.Unlock()
		if cb != nil {
			cb(value, data)
		}
	})
	if err != nil {
		return fmt.Errorf("ble: enable notifications on %s: %w", value, err)
	}
	return nil
}

func (c *bluetoothConnection) Read(ctx context.Context, h Handle) ([]byte, error) {
	c.mu.Lock()
	ch, ok := c.chars[h]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: read %s: unknown handle", h)
	}

	buf := make([]byte, maxAttributeSize)
	var n int
	err := withContext(ctx, func() error {
		var err error
		n, err = ch.Read(buf)
		if err != nil {
			return fmt.Errorf("ble: read %s: %w", h, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *bluetoothConnection) OnNotification(cb func(Handle, []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = cb
}

func (c *bluetoothConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *bluetoothConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *bluetoothConnection) disconnected() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// withContext runs fn and returns early if ctx finishes first. fn keeps
// running in the background in that case.
func withContext(ctx context.Context, fn func() error) error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}
