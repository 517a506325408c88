package examples

import (
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

var ErrSoldOut = errors.New("sold out")

type Reservation struct {
	ID   string
	Kind string
	Item string
}

// Inventory is an in-memory booking backend shared by the travel activities.
// Cancel is idempotent.
type Inventory struct {
	mu           sync.Mutex
	soldOut      map[string]bool
	reservations map[string]Reservation
	cancelled    []string
}

func NewInventory() *Inventory {
	return &Inventory{
		soldOut:      make(map[string]bool),
		reservations: make(map[string]Reservation),
	}
}

// SoldOut makes every future reservation of item fail.
func (inv *Inventory) SoldOut(kind, item string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.soldOut[kind+"/"+item] = true
}

func (inv *Inventory) Reserve(kind, item string) (Reservation, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.soldOut[kind+"/"+item] {
		return Reservation{}, errors.Wrapf(ErrSoldOut, "%s %q", kind, item)
	}
	r := Reservation{ID: ulid.Make().String(), Kind: kind, Item: item}
	inv.reservations[r.ID] = r
	return r, nil
}

func (inv *Inventory) Cancel(id string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.reservations[id]; !ok {
		return
	}
	delete(inv.reservations, id)
	inv.cancelled = append(inv.cancelled, id)
}

// Active returns the live reservations ordered by ID.
func (inv *Inventory) Active() []Reservation {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]Reservation, 0, len(inv.reservations))
	for _, r := range inv.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (inv *Inventory) Cancelled() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, len(inv.cancelled))
	copy(out, inv.cancelled)
	return out
}
