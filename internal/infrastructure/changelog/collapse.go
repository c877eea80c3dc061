package changelog

import (
	"sort"

	"github.com/erp/possync/internal/domain/shared"
)

// Replay is one remote call to make while draining the change log
type Replay struct {
	Entry *shared.ChangeLogEntry
	// Superseded are older pending entries of the same entity made obsolete
	// by Entry; they are marked synced together with it.
	Superseded []uint
}

// IDs returns the ids to mark synced once the replay succeeds
func (r Replay) IDs() []uint {
	return append([]uint{r.Entry.ID}, r.Superseded...)
}

// Plan turns FIFO-ordered pending entries into replays. With collapse set,
// only the latest entry per entity is replayed (payloads are full snapshots,
// so the latest one carries every earlier change) and replays keep the order
// of their latest entry. Without collapse every entry is replayed as is.
func Plan(entries []*shared.ChangeLogEntry, collapse bool) []Replay {
	if !collapse {
		out := make([]Replay, len(entries))
		for i, e := range entries {
			out[i] = Replay{Entry: e}
		}
		return out
	}

	latest := make(map[string]int, len(entries))
	superseded := make(map[string][]uint)
	for i, e := range entries {
		if prev, ok := latest[e.EntityID]; ok {
			superseded[e.EntityID] = append(superseded[e.EntityID], entries[prev].ID)
		}
		latest[e.EntityID] = i
	}

	positions := make([]int, 0, len(latest))
	for _, pos := range latest {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	out := make([]Replay, 0, len(positions))
	for _, pos := range positions {
		e := entries[pos]
		out = append(out, Replay{Entry: e, Superseded: superseded[e.EntityID]})
	}
	return out
}
