package ble

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var ErrMissingCharacteristic = errors.New("characteristic not found")

// CharacteristicEntry holds the handles needed to use one characteristic.
type CharacteristicEntry struct {
	UUID             uuid.UUID
	ValueHandle      Handle
	DescriptorHandle Handle // CCCD
}

// Directory maps characteristic UUIDs to handles. It is filled once by
// discovery and only read afterwards.
type Directory struct {
	entries map[uuid.UUID]CharacteristicEntry
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{entries: make(map[uuid.UUID]CharacteristicEntry)}
}

// Add records e, replacing any entry with the same UUID. A zero descriptor
// handle defaults to the one following the value handle.
func (d *Directory) Add(e CharacteristicEntry) {
	if e.DescriptorHandle == 0 {
		e.DescriptorHandle = CCCDHandle(e.ValueHandle)
	}
	d.entries[e.UUID] = e
}

// Lookup returns the entry for id.
func (d *Directory) Lookup(id uuid.UUID) (CharacteristicEntry, bool) {
	if d == nil {
		return CharacteristicEntry{}, false
	}
	e, ok := d.entries[id]
	return e, ok
}

// Require checks that every id is present.
func (d *Directory) Require(ids ...uuid.UUID) error {
	for _, id := range ids {
		if _, ok := d.Lookup(id); !ok {
			return fmt.Errorf("ble: %s: %w", id, ErrMissingCharacteristic)
		}
	}
	return nil
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Entries returns all entries ordered by value handle.
func (d *Directory) Entries() []CharacteristicEntry {
	if d == nil {
		return nil
	}
	out := make([]CharacteristicEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValueHandle < out[j].ValueHandle })
	return out
}
