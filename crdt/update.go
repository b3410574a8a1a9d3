package crdt

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"collab-server/core"

	"github.com/vmihailenco/msgpack/v5"
)

type (
	// ID identifies one inserted rune: a Lamport clock plus the replica that
	// produced it. IDs are totally ordered by clock, then client.
	ID struct {
		Clock  uint64 `msgpack:"clock"`
		Client string `msgpack:"client"`
	}

	// Item is a single rune inserted directly after Origin. The zero Origin
	// is the start of the document.
	Item struct {
		ID     ID     `msgpack:"id"`
		Origin ID     `msgpack:"origin"`
		Value  string `msgpack:"value"`
	}

	// Update is the delta exchanged between replicas. A full state snapshot
	// is an Update carrying everything a replica has received.
	Update struct {
		Items   []Item `msgpack:"items"`
		Deletes []ID   `msgpack:"deletes"`
	}
)

func (id ID) IsZero() bool {
	return id.Clock == 0 && id.Client == ""
}

func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string {
	return fmt.Sprintf("%s@%d", id.Client, id.Clock)
}

func (u Update) IsEmpty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// Encode serializes an update with msgpack.
func Encode(u Update) ([]byte, error) {
	if u.Items == nil {
		u.Items = []Item{}
	}
	if u.Deletes == nil {
		u.Deletes = []ID{}
	}
	return msgpack.Marshal(&u)
}

// DecodeUpdate parses and validates a delta. Nothing is merged here, so a
// rejected delta can never leave a replica half-applied.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if len(data) == 0 {
		return u, fmt.Errorf("%w: empty payload", core.ErrDecode)
	}
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", core.ErrDecode, err)
	}
	if err := u.Validate(); err != nil {
		return Update{}, err
	}
	return u, nil
}

// Validate checks structural invariants. An item's clock must be strictly
// greater than its origin's clock, which keeps the origin graph acyclic.
func (u Update) Validate() error {
	for _, item := range u.Items {
		if item.ID.Clock == 0 || item.ID.Client == "" {
			return fmt.Errorf("%w: invalid item id %s", core.ErrDecode, item.ID)
		}
		if !item.Origin.IsZero() {
			if item.Origin.Clock == 0 || item.Origin.Client == "" {
				return fmt.Errorf("%w: invalid origin %s", core.ErrDecode, item.Origin)
			}
			if item.Origin.Clock >= item.ID.Clock {
				return fmt.Errorf("%w: item %s does not follow origin %s", core.ErrDecode, item.ID, item.Origin)
			}
		}
		if item.Value == "" || !utf8.ValidString(item.Value) || utf8.RuneCountInString(item.Value) != 1 {
			return fmt.Errorf("%w: item %s must carry exactly one rune", core.ErrDecode, item.ID)
		}
	}
	for _, id := range u.Deletes {
		if id.Clock == 0 || id.Client == "" {
			return fmt.Errorf("%w: invalid delete id %s", core.ErrDecode, id)
		}
	}
	return nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID.Less(items[j].ID) })
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
