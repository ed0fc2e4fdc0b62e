// Package wal implements the undo journal that protects table writes. The
// journal records before-images of every mutation between a Begin and a
// Commit marker; on reopen after a crash, entries past the last commit are
// undone in reverse, restoring the table to its last committed state.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"sync"
)

// Mode selects how the journal behaves across commits.
type Mode int

const (
	// Off disables journaling entirely.
	Off Mode = iota
	// Log keeps journal entries across commits until the journal is closed.
	Log
	// Truncate resets the journal file after every commit.
	Truncate
)

// ParseMode maps the schema option text to a Mode. Unknown text means Off.
func ParseMode(s string) Mode {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOG":
		return Log
	case "TRUNCATE":
		return Truncate
	}
	return Off
}

func (m Mode) String() string {
	switch m {
	case Log:
		return "LOG"
	case Truncate:
		return "TRUNCATE"
	}
	return "OFF"
}

const (
	opBegin  = 1
	opAppend = 2
	opWrite  = 3 // update or delete; payload is the before-image
	opCommit = 4
)

var ErrClosed = errors.New("wal: journal is closed")

// Undoer receives the rollback actions of uncommitted journal entries.
type Undoer interface {
	// UndoAppend discards the appended record, truncating the data file so
	// that id is the next ordinal.
	UndoAppend(id int64) error
	// UndoWrite restores the record at id to its before-image.
	UndoWrite(id int64, before []byte) error
}

// Journal is a single-writer undo journal. With Mode Off every method is a
// no-op, so callers need not special-case disabled journaling.
type Journal struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	mode   Mode
	closed bool
}

// Open opens or creates the journal at path. With Mode Off no file is
// touched.
func Open(path string, mode Mode) (*Journal, error) {
	j := &Journal{path: path, mode: mode}
	if mode == Off {
		return j, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	j.f = f
	return j, nil
}

// Mode returns the journal mode.
func (j *Journal) Mode() Mode { return j.mode }

type entry struct {
	op      byte
	id      int64
	payload []byte
}

// append frames one entry: length, op, ordinal, payload, crc.
func (j *Journal) append(op byte, id int64, payload []byte) error {
	if j.mode == Off {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	buf := make([]byte, 4+1+8+len(payload)+4)
	binary.LittleEndian.PutUint32(buf, uint32(1+8+len(payload)))
	buf[4] = op
	binary.LittleEndian.PutUint64(buf[5:], uint64(id))
	copy(buf[13:], payload)
	sum := crc32.ChecksumIEEE(buf[4 : 13+len(payload)])
	binary.LittleEndian.PutUint32(buf[13+len(payload):], sum)
	_, err := j.f.Write(buf)
	return err
}

// Begin marks the start of a transaction.
func (j *Journal) Begin() error { return j.append(opBegin, 0, nil) }

// Appended records that ordinal id is being appended. Callers Sync the
// journal before the append itself.
func (j *Journal) Appended(id int64) error { return j.append(opAppend, id, nil) }

// Written records the before-image of an in-place update or delete at id.
// Callers Sync the journal before overwriting the record.
func (j *Journal) Written(id int64, before []byte) error { return j.append(opWrite, id, before) }

// Commit marks the transaction durable. The journal is synced first, and
// with Mode Truncate the file is then reset.
func (j *Journal) Commit() error {
	if j.mode == Off {
		return nil
	}
	if err := j.append(opCommit, 0, nil); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	if j.mode == Truncate {
		if err := j.f.Truncate(0); err != nil {
			return err
		}
		if _, err := j.f.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
	return nil
}

// Recover replays the journal, undoing every entry after the last commit
// marker in reverse order, then resets the file. Torn trailing entries are
// treated as the end of the journal.
func (j *Journal) Recover(u Undoer) error {
	if j.mode == Off {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	raw, err := os.ReadFile(j.path)
	if err != nil {
		return err
	}

	var pending []entry
	off := 0
	for off+4 <= len(raw) {
		n := int(binary.LittleEndian.Uint32(raw[off:]))
		if n < 9 || off+4+n+4 > len(raw) {
			break // torn tail
		}
		body := raw[off+4 : off+4+n]
		sum := binary.LittleEndian.Uint32(raw[off+4+n:])
		if crc32.ChecksumIEEE(body) != sum {
			break
		}
		e := entry{op: body[0], id: int64(binary.LittleEndian.Uint64(body[1:9]))}
		if len(body) > 9 {
			e.payload = append([]byte(nil), body[9:]...)
		}
		off += 4 + n + 4

		switch e.op {
		case opBegin, opCommit:
			pending = pending[:0]
		default:
			pending = append(pending, e)
		}
	}

	for i := len(pending) - 1; i >= 0; i-- {
		e := pending[i]
		switch e.op {
		case opAppend:
			if err := u.UndoAppend(e.id); err != nil {
				return fmt.Errorf("wal: undo append %d: %w", e.id, err)
			}
		case opWrite:
			if err := u.UndoWrite(e.id, e.payload); err != nil {
				return fmt.Errorf("wal: undo write %d: %w", e.id, err)
			}
		}
	}

	if err := j.f.Truncate(0); err != nil {
		return err
	}
	_, err = j.f.Seek(0, io.SeekStart)
	return err
}

// Sync flushes journal contents to stable storage.
func (j *Journal) Sync() error {
	if j.mode == Off {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.f.Sync()
}

// Close releases the journal file. Close is idempotent.
func (j *Journal) Close() error {
	if j.mode == Off {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.f.Close()
}

// Remove deletes the journal file, if any.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
