// Package ble provides the transport side of the CGM transmitter client:
// the GATT handle types the session engine addresses, the characteristic
// directory built at discovery time, and a host adapter on top of
// tinygo.org/x/bluetooth.
package ble

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Transmitter GATT UUIDs.
var (
	ServiceUUID        = uuid.MustParse("f8083532-849e-531c-c594-30f1f86a4ea5")
	ControlUUID        = uuid.MustParse("f8083534-849e-531c-c594-30f1f86a4ea5")
	AuthenticationUUID = uuid.MustParse("f8083535-849e-531c-c594-30f1f86a4ea5")
	BackfillUUID       = uuid.MustParse("f8083536-849e-531c-c594-30f1f86a4ea5")
)

// AdvertisementUUID16 is the 16-bit service UUID in the transmitter's
// advertisement.
const AdvertisementUUID16 = 0xFEBC

// AdvertisedName returns the local name a transmitter advertises: "Dexcom"
// followed by the last two characters of its ID.
func AdvertisedName(id string) string {
	if len(id) < 2 {
		return "Dexcom"
	}
	return "Dexcom" + id[len(id)-2:]
}

// Handle is an ATT attribute handle.
type Handle uint16

func (h Handle) String() string {
	return fmt.Sprintf("0x%04x", uint16(h))
}

// CCCDHandle returns the client characteristic configuration descriptor
// handle for a characteristic value handle. The transmitter places it
// directly after the value.
func CCCDHandle(value Handle) Handle {
	return value + 1
}

// SubscribeMode selects notifications, indications or both.
type SubscribeMode uint8

const (
	SubscribeNotify   SubscribeMode = 0x01
	SubscribeIndicate SubscribeMode = 0x02
	SubscribeBoth     SubscribeMode = 0x03
)

// CCCD returns the 2-byte descriptor value enabling m.
func (m SubscribeMode) CCCD() []byte {
	return []byte{byte(m), 0x00}
}

func (m SubscribeMode) String() string {
	switch m {
	case SubscribeNotify:
		return "notify"
	case SubscribeIndicate:
		return "indicate"
	case SubscribeBoth:
		return "both"
	default:
		return fmt.Sprintf("SubscribeMode(%d)", uint8(m))
	}
}

// Transport is the port the session runner drives. Subscriptions are plain
// writes of SubscribeMode.CCCD to a descriptor handle.
type Transport interface {
	// Write writes data to the attribute at h and waits for the response.
	Write(ctx context.Context, h Handle, data []byte) error
	// Read reads the attribute at h.
	Read(ctx context.Context, h Handle) ([]byte, error)
	// OnNotification registers the callback for inbound notifications.
	// It may be called from any goroutine.
	OnNotification(callback func(h Handle, data []byte))
}

// Device is a discovered peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection is an active link to a transmitter.
type Connection interface {
	Transport
	// Bonded reports whether the link was already bonded when it came up.
	Bonded() bool
	// Discover walks the transmitter service and returns its characteristics.
	Discover(ctx context.Context) (*Directory, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan returns the first advertising device for which match returns
	// true, or an error once ctx is done.
	Scan(ctx context.Context, match func(Device) bool) (Device, error)
	// Connect establishes a connection to the device at address.
	Connect(ctx context.Context, address string) (Connection, error)
}
