package orders

import (
	"github.com/tathienbao/signal-trader/internal/types"
)

// bracket links an entry order to its protective orders. targetID may be
// zero when the bracket has no profit target.
type bracket struct {
	entryID  int64
	stopID   int64
	targetID int64
}

// groupTable holds order group policies. It is always accessed under the
// Manager mutex.
type groupTable struct {
	brackets []bracket
	ocos     [][]int64
}

func newGroupTable() *groupTable {
	return &groupTable{}
}

func (g *groupTable) addBracket(entryID, stopID, targetID int64) {
	g.brackets = append(g.brackets, bracket{entryID: entryID, stopID: stopID, targetID: targetID})
}

func (g *groupTable) addOCO(ids []int64) {
	members := make([]int64, len(ids))
	copy(members, ids)
	g.ocos = append(g.ocos, members)
}

// onTerminalLocked returns the orders to cancel after o reached a terminal
// non-filled state. Bracket policy: an entry that terminates without any fill
// takes its protective orders down with it.
func (g *groupTable) onTerminalLocked(o *types.Order, byID map[int64]*types.Order) []int64 {
	if o.Filled > 0 {
		return nil
	}

	var cancels []int64
	for _, br := range g.brackets {
		if br.entryID != o.ID {
			continue
		}
		for _, id := range []int64{br.stopID, br.targetID} {
			if id == 0 {
				continue
			}
			if sib, ok := byID[id]; ok && sib.IsOpen() {
				cancels = append(cancels, id)
			}
		}
	}
	return cancels
}

// onFilledLocked returns the orders to cancel after o filled completely.
// OCO policy: a fully filled member cancels every other working member.
func (g *groupTable) onFilledLocked(o *types.Order, byID map[int64]*types.Order) []int64 {
	var cancels []int64
	for _, members := range g.ocos {
		hit := false
		for _, id := range members {
			if id == o.ID {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for _, id := range members {
			if id == o.ID {
				continue
			}
			if sib, ok := byID[id]; ok && sib.IsOpen() {
				cancels = append(cancels, id)
			}
		}
	}
	return cancels
}
