package model

import (
	"time"
)

// Source identifies one of the three stocktake data sources.
type Source string

const (
	SourceFBI   Source = "FBI"
	SourceSTAC  Source = "STAC"
	SourceSTOCK Source = "STOCK"
)

// AllSources returns the known sources in canonical order. Alignment and
// reporting iterate this slice so output ordering is stable.
func AllSources() []Source {
	return []Source{SourceFBI, SourceSTAC, SourceSTOCK}
}

// Known reports whether s is one of the three configured sources.
func (s Source) Known() bool {
	switch s {
	case SourceFBI, SourceSTAC, SourceSTOCK:
		return true
	}
	return false
}

// Window bounds which records are considered current for a run.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ItemRecord is a single item snapshot read from one source.
// Immutable once read.
type ItemRecord struct {
	ItemID   string  `json:"item_id"`
	Source   Source  `json:"source"`
	Quantity float64 `json:"quantity"`

	// HasQuantity is false when the backing document carried no parseable
	// numeric quantity. The evaluator turns such records into an
	// EvaluationError rather than treating the quantity as zero.
	HasQuantity bool `json:"has_quantity"`

	// ModTime is the snapshot timestamp, used for last-write-wins
	// deduplication when a source holds history for an item.
	ModTime time.Time `json:"mod_time"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

// SourceSlot is one source's position in a joined item: either a present
// record or an explicit absent marker. Consumers must check Present before
// touching Record, which forces the partial case to be handled explicitly.
type SourceSlot struct {
	Present bool       `json:"present"`
	Record  ItemRecord `json:"record,omitempty"`
}

// Present wraps a record in an occupied slot.
func Present(rec ItemRecord) SourceSlot {
	return SourceSlot{Present: true, Record: rec}
}

// Absent returns an empty slot marking a source that holds no record for
// the item.
func Absent() SourceSlot {
	return SourceSlot{}
}

// JoinedItem is the per-item view across all three sources. At least one
// slot is present; item_id is identical across all present records.
type JoinedItem struct {
	ItemID string                `json:"item_id"`
	Slots  map[Source]SourceSlot `json:"slots"`
}

// AbsentSources returns the sources with no record for this item, in
// canonical order.
func (j JoinedItem) AbsentSources() []Source {
	var absent []Source
	for _, s := range AllSources() {
		if !j.Slots[s].Present {
			absent = append(absent, s)
		}
	}
	return absent
}

// Complete reports whether all three sources hold a record for this item.
func (j JoinedItem) Complete() bool {
	return len(j.AbsentSources()) == 0
}
