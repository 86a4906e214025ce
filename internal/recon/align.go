package recon

import (
	"sort"

	"github.com/inventoryops/stocktake/internal/model"
)

// Align groups per-source records by item identifier into joined items.
// Output is ordered by item_id ascending so successive runs over the same
// data diff cleanly. An item present in only one or two sources is kept,
// with explicit absent markers for the missing sources.
func Align(bySource map[model.Source][]model.ItemRecord) []model.JoinedItem {
	slots := make(map[string]map[model.Source]model.SourceSlot)

	for _, src := range model.AllSources() {
		for _, rec := range bySource[src] {
			if slots[rec.ItemID] == nil {
				slots[rec.ItemID] = make(map[model.Source]model.SourceSlot, len(model.AllSources()))
			}
			slots[rec.ItemID][src] = model.Present(rec)
		}
	}

	ids := make([]string, 0, len(slots))
	for id := range slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	joined := make([]model.JoinedItem, 0, len(ids))
	for _, id := range ids {
		item := model.JoinedItem{
			ItemID: id,
			Slots:  make(map[model.Source]model.SourceSlot, len(model.AllSources())),
		}
		for _, src := range model.AllSources() {
			slot, ok := slots[id][src]
			if !ok {
				slot = model.Absent()
			}
			item.Slots[src] = slot
		}
		joined = append(joined, item)
	}
	return joined
}
