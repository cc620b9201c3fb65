package feed

import (
	"testing"

	"github.com/rookery-im/rookery-go/core"
)

func author(b byte) core.PeerID {
	var id core.PeerID
	id[0] = b
	return id
}

func post(by core.PeerID, id string, clock uint64, body string) core.Item {
	return core.Item{
		ID:        id,
		Author:    by,
		Channel:   core.ChannelWall,
		Kind:      core.ItemPost,
		Body:      body,
		Lamport:   clock,
		CreatedAt: 100,
	}
}

func tomb(by core.PeerID, id string, clock uint64) core.Item {
	return core.Item{
		ID:        id,
		Author:    by,
		Channel:   core.ChannelWall,
		Kind:      core.ItemTombstone,
		Lamport:   clock,
		CreatedAt: 100,
		DeletedAt: 200,
	}
}

func mustApply(t *testing.T, s ItemStore, it core.Item, want ApplyResult) {
	t.Helper()
	got, err := s.Apply(it)
	if err != nil {
		t.Fatalf("Apply(%s): %v", it.ID, err)
	}
	if got != want {
		t.Fatalf("Apply(%s clock %d) = %s, want %s", it.ID, it.Lamport, got, want)
	}
}

func TestMemStore_AcceptanceRule(t *testing.T) {
	s := NewMemStore()
	a := author(1)

	mustApply(t, s, post(a, "p1", 3, "v3"), Applied)
	mustApply(t, s, post(a, "p1", 3, "v3"), Duplicate)
	mustApply(t, s, post(a, "p1", 2, "v2"), Stale)
	mustApply(t, s, post(a, "p1", 5, "v5"), Applied)

	held, err := s.Get(a, "p1")
	if err != nil || held == nil {
		t.Fatalf("Get: %v, %v", held, err)
	}
	if held.Body != "v5" || held.Lamport != 5 {
		t.Errorf("held = %q clock %d, want v5 clock 5", held.Body, held.Lamport)
	}
}

func TestMemStore_TombstoneIsTerminal(t *testing.T) {
	s := NewMemStore()
	a := author(1)

	mustApply(t, s, post(a, "p1", 1, "original"), Applied)
	mustApply(t, s, tomb(a, "p1", 3), Applied)

	// A live version with a higher clock never resurrects the item.
	mustApply(t, s, post(a, "p1", 5, "revived"), Stale)
	mustApply(t, s, tomb(a, "p1", 2), Stale)
	mustApply(t, s, tomb(a, "p1", 3), Duplicate)
	mustApply(t, s, tomb(a, "p1", 4), Applied)

	held, _ := s.Get(a, "p1")
	if !held.IsTombstone() || held.Lamport != 4 {
		t.Errorf("held = kind %s clock %d, want tombstone clock 4", held.Kind, held.Lamport)
	}
}

func TestMemStore_OrderOfArrivalIsIrrelevant(t *testing.T) {
	a := author(1)
	versions := []core.Item{
		post(a, "p1", 1, "v1"),
		post(a, "p1", 2, "v2"),
		post(a, "p1", 3, "v3"),
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {2, 0, 1}}

	for _, order := range orders {
		s := NewMemStore()
		for _, i := range order {
			if _, err := s.Apply(versions[i]); err != nil {
				t.Fatal(err)
			}
		}
		held, _ := s.Get(a, "p1")
		if held == nil || held.Body != "v3" {
			t.Errorf("order %v converged to %v, want v3", order, held)
		}
	}
}

func TestMemStore_ChannelOrdering(t *testing.T) {
	s := NewMemStore()
	a, b := author(1), author(2)

	mustApply(t, s, post(b, "x", 2, "b2"), Applied)
	mustApply(t, s, post(a, "z", 2, "a2"), Applied)
	mustApply(t, s, post(a, "y", 5, "a5"), Applied)
	mustApply(t, s, tomb(a, "w", 1), Applied)
	board := post(a, "other", 9, "elsewhere")
	board.Channel = core.BoardChannel("gardening")
	mustApply(t, s, board, Applied)

	items, err := s.Channel(core.ChannelWall, true)
	if err != nil {
		t.Fatal(err)
	}
	// (lamport, author, id): w@1, then clock 2 ordered by author a<b,
	// then y@5. The board item never appears.
	got := make([]string, len(items))
	for i, it := range items {
		got[i] = it.ID
	}
	want := []string{"w", "z", "x", "y"}
	if len(got) != len(want) {
		t.Fatalf("Channel returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Channel order = %v, want %v", got, want)
		}
	}

	live, err := s.Channel(core.ChannelWall, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range live {
		if it.IsTombstone() {
			t.Errorf("tombstone %s leaked into live listing", it.ID)
		}
	}
	if len(live) != len(items)-1 {
		t.Errorf("live count = %d, want %d", len(live), len(items)-1)
	}
}

func TestMemStore_ByAuthorAndMaxClock(t *testing.T) {
	s := NewMemStore()
	a, b := author(1), author(2)

	mustApply(t, s, post(a, "p1", 1, "one"), Applied)
	mustApply(t, s, post(a, "p2", 4, "four"), Applied)
	mustApply(t, s, post(b, "p3", 9, "other author"), Applied)

	items, err := s.ByAuthor(core.ChannelWall, a)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != "p1" || items[1].ID != "p2" {
		t.Errorf("ByAuthor = %v", items)
	}

	max, err := s.MaxClock(a)
	if err != nil || max != 4 {
		t.Errorf("MaxClock(a) = %d, want 4", max)
	}
	if max, _ := s.MaxClock(author(9)); max != 0 {
		t.Errorf("MaxClock(unknown) = %d, want 0", max)
	}
}
