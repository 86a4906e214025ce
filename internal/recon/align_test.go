package recon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventoryops/stocktake/internal/model"
)

func rec(id string, src model.Source, qty float64) model.ItemRecord {
	return model.ItemRecord{ItemID: id, Source: src, Quantity: qty, HasQuantity: true}
}

func TestAlign_GroupsByItemID(t *testing.T) {
	joined := Align(map[model.Source][]model.ItemRecord{
		model.SourceFBI:   {rec("A1", model.SourceFBI, 100)},
		model.SourceSTAC:  {rec("A1", model.SourceSTAC, 100)},
		model.SourceSTOCK: {rec("A1", model.SourceSTOCK, 94)},
	})

	require.Len(t, joined, 1)
	assert.Equal(t, "A1", joined[0].ItemID)
	assert.True(t, joined[0].Complete())
	assert.Equal(t, 94.0, joined[0].Slots[model.SourceSTOCK].Record.Quantity)
}

func TestAlign_OrderedByItemIDAscending(t *testing.T) {
	joined := Align(map[model.Source][]model.ItemRecord{
		model.SourceFBI:  {rec("C3", model.SourceFBI, 1), rec("A1", model.SourceFBI, 1)},
		model.SourceSTAC: {rec("B2", model.SourceSTAC, 1)},
	})

	require.Len(t, joined, 3)
	assert.Equal(t, "A1", joined[0].ItemID)
	assert.Equal(t, "B2", joined[1].ItemID)
	assert.Equal(t, "C3", joined[2].ItemID)
}

func TestAlign_MissingSourcesGetAbsentMarkers(t *testing.T) {
	joined := Align(map[model.Source][]model.ItemRecord{
		model.SourceFBI: {rec("A3", model.SourceFBI, 10)},
	})

	require.Len(t, joined, 1)
	item := joined[0]
	assert.True(t, item.Slots[model.SourceFBI].Present)
	assert.False(t, item.Slots[model.SourceSTAC].Present)
	assert.False(t, item.Slots[model.SourceSTOCK].Present)
	assert.Equal(t, []model.Source{model.SourceSTAC, model.SourceSTOCK}, item.AbsentSources())
}

func TestAlign_NoItemAppearsTwice(t *testing.T) {
	joined := Align(map[model.Source][]model.ItemRecord{
		model.SourceFBI:   {rec("A1", model.SourceFBI, 1), rec("B2", model.SourceFBI, 2)},
		model.SourceSTAC:  {rec("A1", model.SourceSTAC, 1)},
		model.SourceSTOCK: {rec("B2", model.SourceSTOCK, 2)},
	})

	seen := make(map[string]bool)
	for _, item := range joined {
		assert.False(t, seen[item.ItemID], "item %s appeared twice", item.ItemID)
		seen[item.ItemID] = true
	}
	assert.Len(t, joined, 2)
}

func TestAlign_Empty(t *testing.T) {
	assert.Empty(t, Align(map[model.Source][]model.ItemRecord{}))
}
