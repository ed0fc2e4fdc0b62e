// Package memindex provides an ordered byte-key map used as the in-memory
// form of a table index. Entries map an encoded key to a row identifier and
// iterate in ascending key order.
//
// The list is not safe for concurrent use; callers serialize access.
package memindex

import (
	"bytes"
	"math/rand"
	"time"
)

const (
	maxLevel = 24
	branch   = 4
)

type node struct {
	key  []byte
	val  int64
	next []*node
}

// List is a skip list keyed by byte slices.
type List struct {
	head  *node
	rnd   *rand.Rand
	level int
	size  int
}

// New returns an empty list.
func New() *List {
	return &List{
		head:  &node{next: make([]*node, maxLevel)},
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		level: 1,
	}
}

// Len returns the entry count.
func (l *List) Len() int { return l.size }

func (l *List) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && l.rnd.Intn(branch) == 0 {
		lvl++
	}
	return lvl
}

// findPath fills prev with the rightmost node before key at every level and
// returns the first node at or after key.
func (l *List) findPath(key []byte, prev *[maxLevel]*node) *node {
	n := l.head
	for i := l.level - 1; i >= 0; i-- {
		for n.next[i] != nil && bytes.Compare(n.next[i].key, key) < 0 {
			n = n.next[i]
		}
		if prev != nil {
			prev[i] = n
		}
	}
	return n.next[0]
}

// Put inserts key with val, replacing the value of an existing entry.
func (l *List) Put(key []byte, val int64) {
	var prev [maxLevel]*node
	if at := l.findPath(key, &prev); at != nil && bytes.Equal(at.key, key) {
		at.val = val
		return
	}
	lvl := l.randomLevel()
	for i := l.level; i < lvl; i++ {
		prev[i] = l.head
	}
	if lvl > l.level {
		l.level = lvl
	}
	k := make([]byte, len(key))
	copy(k, key)
	n := &node{key: k, val: val, next: make([]*node, lvl)}
	for i := 0; i < lvl; i++ {
		n.next[i] = prev[i].next[i]
		prev[i].next[i] = n
	}
	l.size++
}

// Delete removes key, reporting whether an entry existed.
func (l *List) Delete(key []byte) bool {
	var prev [maxLevel]*node
	at := l.findPath(key, &prev)
	if at == nil || !bytes.Equal(at.key, key) {
		return false
	}
	for i := 0; i < l.level; i++ {
		if prev[i].next[i] == at {
			prev[i].next[i] = at.next[i]
		}
	}
	for l.level > 1 && l.head.next[l.level-1] == nil {
		l.level--
	}
	l.size--
	return true
}

// Get returns the value stored under key.
func (l *List) Get(key []byte) (int64, bool) {
	at := l.findPath(key, nil)
	if at != nil && bytes.Equal(at.key, key) {
		return at.val, true
	}
	return 0, false
}

// Iterator walks list entries in ascending key order.
type Iterator struct {
	at *node
}

// First positions at the smallest key.
func (l *List) First() *Iterator { return &Iterator{at: l.head.next[0]} }

// Seek positions at the first entry with key >= the given key.
func (l *List) Seek(key []byte) *Iterator {
	return &Iterator{at: l.findPath(key, nil)}
}

// Valid reports whether the iterator points at an entry.
func (it *Iterator) Valid() bool { return it.at != nil }

// Key returns the current entry's key. The slice is owned by the list and
// must not be modified.
func (it *Iterator) Key() []byte { return it.at.key }

// Val returns the current entry's value.
func (it *Iterator) Val() int64 { return it.at.val }

// Next advances to the following entry.
func (it *Iterator) Next() { it.at = it.at.next[0] }
