package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CentralOptions configures how the central reaches a transmitter.
type CentralOptions struct {
	ScanTimeout     time.Duration // per-attempt scan timeout
	ConnectAttempts int           // scan+connect attempts per session
	ReconnectMax    int           // max backoff between attempts, in seconds
}

// DefaultCentralOptions returns sensible defaults.
func DefaultCentralOptions() CentralOptions {
	return CentralOptions{
		ScanTimeout:     30 * time.Second,
		ConnectAttempts: 3,
		ReconnectMax:    8,
	}
}

// Central finds and connects to one transmitter. It owns adapter
// enablement; each call to Connect yields a fresh link.
type Central struct {
	adapter Adapter
	id      string
	opts    CentralOptions
	log     *slog.Logger

	mu      sync.Mutex
	enabled bool
}

// NewCentral creates a central for the transmitter with the given ID.
func NewCentral(adapter Adapter, id string, opts CentralOptions, log *slog.Logger) *Central {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 30 * time.Second
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Central{
		adapter: adapter,
		id:      id,
		opts:    opts,
		log:     log,
	}
}

func (c *Central) enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return nil
	}
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	c.enabled = true
	return nil
}

// Connect scans for the transmitter and connects to it, retrying with
// exponential backoff up to ConnectAttempts times.
func (c *Central) Connect(ctx context.Context) (Connection, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.ConnectAttempts; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.ReconnectMax)
			c.log.Info("[BLE] connect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("ble: connect: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		conn, err := c.connectOnce(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.log.Warn("[BLE] connect failed", "error", err, "attempt", attempt+1)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("ble: connect to %s after %d attempts: %w",
		AdvertisedName(c.id), c.opts.ConnectAttempts, lastErr)
}

func (c *Central) connectOnce(ctx context.Context) (Connection, error) {
	d, err := FindTransmitter(ctx, c.adapter, c.id, ScanOptions{Timeout: c.opts.ScanTimeout})
	if err != nil {
		return nil, err
	}
	c.log.Debug("[BLE] found transmitter", "name", d.Name, "address", d.Address, "rssi", d.RSSI)

	conn, err := c.adapter.Connect(ctx, d.Address)
	if err != nil {
		return nil, err
	}
	c.log.Info("[BLE] connected", "name", d.Name, "address", d.Address)
	return conn, nil
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}
