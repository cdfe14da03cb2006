package ble

import (
	"context"
	"fmt"
	"time"
)

// ScanOptions configures transmitter discovery.
type ScanOptions struct {
	Timeout time.Duration // how long to scan before giving up
}

// DefaultScanOptions returns sensible defaults for production use.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Timeout: 30 * time.Second,
	}
}

// MatchTransmitter returns a scan filter for the transmitter with the given
// ID, matched by its advertised local name.
func MatchTransmitter(id string) func(Device) bool {
	name := AdvertisedName(id)
	return func(d Device) bool {
		return d.Name == name
	}
}

// FindTransmitter scans until the transmitter with the given ID advertises
// or the timeout expires. The adapter must already be enabled.
func FindTransmitter(ctx context.Context, adapter Adapter, id string, opts ScanOptions) (Device, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	d, err := adapter.Scan(ctx, MatchTransmitter(id))
	if err != nil {
		return Device{}, fmt.Errorf("ble: find %s: %w", AdvertisedName(id), err)
	}
	return d, nil
}
