package flintdb

import "fmt"

// Tx is a write transaction. It holds the table's writer lock from Begin
// until Commit or Rollback, so a transaction is the unit of isolation as well
// as atomicity. Mutations inside the transaction are visible to its own
// reads and become durable at Commit; Rollback restores every touched record
// and rebuilds the indexes.
type Tx struct {
	t    *Table
	undo []txUndo
	done bool
}

// txUndo records how to reverse one mutation. A nil before-image marks an
// append, undone by truncation.
type txUndo struct {
	id     int64
	before []byte
}

// Begin starts a write transaction. The table is locked until the
// transaction finishes.
func (t *Table) Begin() (*Tx, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.readOnly {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: table %q", ErrReadOnly, t.meta.Name)
	}
	if err := t.journal.Begin(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	return &Tx{t: t}, nil
}

func (tx *Tx) active() error {
	if tx.done {
		return fmt.Errorf("%w: transaction already finished", ErrClosed)
	}
	return nil
}

// Apply inserts row within the transaction.
func (tx *Tx) Apply(r *Row, checkDup bool) (int64, error) {
	if err := tx.active(); err != nil {
		return -1, err
	}
	id, err := tx.t.applyLocked(r, checkDup, false)
	if err != nil {
		return -1, err
	}
	tx.undo = append(tx.undo, txUndo{id: id})
	return id, nil
}

// ApplyAt rewrites the row at id within the transaction.
func (tx *Tx) ApplyAt(id int64, r *Row) error {
	if err := tx.active(); err != nil {
		return err
	}
	before, _, err := tx.t.readLiveLocked(id)
	if err != nil {
		return err
	}
	if err := tx.t.applyAtLocked(id, r, false); err != nil {
		return err
	}
	tx.undo = append(tx.undo, txUndo{id: id, before: before})
	return nil
}

// DeleteAt removes the row at id within the transaction.
func (tx *Tx) DeleteAt(id int64) (int64, error) {
	if err := tx.active(); err != nil {
		return -1, err
	}
	before, _, err := tx.t.readLiveLocked(id)
	if err != nil {
		return -1, err
	}
	if _, err := tx.t.deleteAtLocked(id, false); err != nil {
		return -1, err
	}
	tx.undo = append(tx.undo, txUndo{id: id, before: before})
	return id, nil
}

// Read returns the row at id as the transaction sees it.
func (tx *Tx) Read(id int64) (*Row, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	_, r, err := tx.t.readLiveLocked(id)
	return r, err
}

// Commit makes every mutation of the transaction durable and releases the
// table lock.
func (tx *Tx) Commit() error {
	if err := tx.active(); err != nil {
		return err
	}
	tx.done = true
	err := tx.t.commitLocked()
	tx.t.mu.Unlock()
	return err
}

// Rollback restores every record touched by the transaction in reverse
// order, rebuilds the indexes from the data file, and releases the table
// lock. Rollback after Commit is a no-op.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	t := tx.t
	defer t.mu.Unlock()

	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		if u.before == nil {
			if err := t.data.Truncate(u.id); err != nil {
				return err
			}
			continue
		}
		if err := t.data.WriteAt(u.id, u.before); err != nil {
			return err
		}
	}
	t.cache.Purge()
	if err := t.rebuildIndexes(); err != nil {
		return err
	}
	// the journal tail is now moot; mark it handled so recovery skips it
	return t.commitLocked()
}
