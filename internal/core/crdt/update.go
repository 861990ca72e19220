package crdt

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// OpKind discriminates the operations carried by an Update.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Op is a single replicated operation. Inserts are self-contained: the
// position identifier fixes their place without referencing other items.
type Op struct {
	Kind     OpKind `json:"kind"`
	ID       ItemID `json:"id"`
	Position []int  `json:"pos,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Update is the unit of replication exchanged between replicas.
type Update struct {
	Ops []Op `json:"ops"`
}

// IsEmpty reports whether the update carries no operations.
func (u Update) IsEmpty() bool {
	return len(u.Ops) == 0
}

// Encode serializes the update for the wire.
func (u Update) Encode() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, errors.Wrap(err, "encode update")
	}
	return data, nil
}

// DecodeUpdate parses a wire update.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return Update{}, errors.Wrap(err, "decode update")
	}
	return u, nil
}

// ApplyUpdate merges a remote update into the replica. Applying the same
// update twice, or applying updates out of order, yields the same state.
func (d *Document) ApplyUpdate(data []byte) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	d.Apply(u)
	return nil
}

// Apply merges a decoded update into the replica.
func (d *Document) Apply(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range u.Ops {
		switch op.Kind {
		case OpInsert:
			if _, known := d.byID[op.ID]; known {
				continue
			}
			d.integrateLocked(Item{
				ID:       op.ID,
				Position: op.Position,
				Value:    op.Value,
			})
		case OpDelete:
			if i, known := d.byID[op.ID]; known {
				d.items[i].Deleted = true
			} else {
				d.pendingDeletes[op.ID] = struct{}{}
			}
		}
	}
}

// snapshot is the canonical persisted form of a replica.
type snapshot struct {
	Items          []Item   `json:"items"`
	PendingDeletes []ItemID `json:"pendingDeletes,omitempty"`
}

// EncodeState returns the canonical encoding of the full replica state,
// tombstones included. Replicas with equal state produce identical bytes.
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := snapshot{Items: d.items}
	for id := range d.pendingDeletes {
		snap.PendingDeletes = append(snap.PendingDeletes, id)
	}
	sortItemIDs(snap.PendingDeletes)

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, "encode state")
	}
	return data, nil
}

// ApplyState merges a previously encoded state into the replica. Loading a
// snapshot into an empty replica reproduces it exactly.
func (d *Document) ApplyState(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrap(err, "decode state")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, it := range snap.Items {
		if i, known := d.byID[it.ID]; known {
			if it.Deleted {
				d.items[i].Deleted = true
			}
			continue
		}
		d.integrateLocked(it)
	}
	for _, id := range snap.PendingDeletes {
		if i, known := d.byID[id]; known {
			d.items[i].Deleted = true
		} else {
			d.pendingDeletes[id] = struct{}{}
		}
	}
	return nil
}

// EncodeStateAsUpdate returns an update carrying everything the given
// version vector has not observed yet. A nil vector yields the full state.
func (d *Document) EncodeStateAsUpdate(since VersionVector) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var u Update
	for _, it := range d.items {
		if since != nil && since.Covers(it.ID) {
			if it.Deleted {
				u.Ops = append(u.Ops, Op{Kind: OpDelete, ID: it.ID})
			}
			continue
		}
		u.Ops = append(u.Ops, Op{Kind: OpInsert, ID: it.ID, Position: it.Position, Value: it.Value})
		if it.Deleted {
			u.Ops = append(u.Ops, Op{Kind: OpDelete, ID: it.ID})
		}
	}
	return u.Encode()
}

func sortItemIDs(ids []ItemID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
