// Package rga implements a replicated growable array text crdt.
//
// The document is a sequence of atoms, one per rune, each identified by a
// (site, clock) pair. Deleted atoms remain as tombstones. An insert names the
// atom it was typed after; concurrent inserts after the same atom are ordered
// by descending id, which makes integration commutative. A lamport clock
// keeps every child id greater than its parent id, so the order is total and
// convergent for any delivery order. Ops whose parent or target has not
// arrived yet are parked and retried, so deltas can be applied in any order.
package rga

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/golang/glog"

	"github.com/agentnet/docsync"
)

type opId struct {
	Site string `json:"site"`
	Clock uint64 `json:"clock"`
}

// the zero id is the document root
func (self opId) isRoot() bool {
	return self == opId{}
}

// descending (clock, site) order among concurrent siblings
func greater(a opId, b opId) bool {
	if a.Clock != b.Clock {
		return b.Clock < a.Clock
	}
	return b.Site < a.Site
}

const (
	opTypeInsert = "insert"
	opTypeDelete = "delete"
)

type op struct {
	Type string `json:"type"`
	Id opId `json:"id"`
	Parent opId `json:"parent,omitempty"`
	Value string `json:"value,omitempty"`
}

func (self *op) validate() error {
	switch self.Type {
	case opTypeInsert:
		if self.Id.isRoot() {
			return fmt.Errorf("insert with root id")
		}
		if utf8.RuneCountInString(self.Value) != 1 {
			return fmt.Errorf("insert value must be one rune: %q", self.Value)
		}
		return nil
	case opTypeDelete:
		if self.Id.isRoot() {
			return fmt.Errorf("delete with root id")
		}
		return nil
	default:
		return fmt.Errorf("unknown op type %q", self.Type)
	}
}

type pendingKey struct {
	opType string
	id opId
}

// deltas and full state snapshots share one encoding: a batch of ops
type deltaDoc struct {
	Ops []*op `json:"ops"`
}

func encodeOps(ops []*op) []byte {
	deltaBytes, err := json.Marshal(&deltaDoc{Ops: ops})
	if err != nil {
		// ops marshal to plain json values
		panic(err)
	}
	return deltaBytes
}

func decodeOps(deltaBytes []byte) ([]*op, error) {
	delta := &deltaDoc{}
	if err := json.Unmarshal(deltaBytes, delta); err != nil {
		return nil, err
	}
	for _, o := range delta.Ops {
		if o == nil {
			return nil, fmt.Errorf("null op")
		}
		if err := o.validate(); err != nil {
			return nil, err
		}
	}
	return delta.Ops, nil
}

type atom struct {
	id opId
	parent opId
	value rune
	deleted bool
}

// Text is a mutable replicated text document. It implements docsync.Replica.
type Text struct {
	stateLock sync.Mutex

	site string
	clock uint64

	// includes tombstones, in document order
	atoms []*atom
	atomsById map[opId]*atom

	// ops waiting for their parent or target atom
	pending map[pendingKey]*op

	changeCallbacks *docsync.CallbackList[docsync.ChangeFunction]
}

func NewText(site string) *Text {
	return &Text{
		site: site,
		atoms: []*atom{},
		atomsById: map[opId]*atom{},
		pending: map[pendingKey]*op{},
		changeCallbacks: docsync.NewCallbackList[docsync.ChangeFunction](),
	}
}

func NewTextForClient(clientId docsync.Id) *Text {
	return NewText(clientId.String())
}

func (self *Text) Site() string {
	return self.site
}

// docsync.Replica

func (self *Text) Edit(offset int, removeCount int, insert string) error {
	self.stateLock.Lock()

	visible := []int{}
	for i, a := range self.atoms {
		if !a.deleted {
			visible = append(visible, i)
		}
	}
	if offset < 0 || len(visible) < offset {
		self.stateLock.Unlock()
		return fmt.Errorf("offset out of range: %d", offset)
	}
	if removeCount < 0 || len(visible) < offset + removeCount {
		self.stateLock.Unlock()
		return fmt.Errorf("remove out of range: %d+%d", offset, removeCount)
	}

	ops := []*op{}

	for _, i := range visible[offset : offset + removeCount] {
		a := self.atoms[i]
		a.deleted = true
		ops = append(ops, &op{
			Type: opTypeDelete,
			Id: a.id,
		})
	}

	parent := opId{}
	if 0 < offset {
		parent = self.atoms[visible[offset - 1]].id
	}
	for _, r := range insert {
		self.clock += 1
		insertOp := &op{
			Type: opTypeInsert,
			Id: opId{Site: self.site, Clock: self.clock},
			Parent: parent,
			Value: string(r),
		}
		if !self.integrateInsert(insertOp) {
			// locally generated ids collide only if the site is reused
			self.stateLock.Unlock()
			return fmt.Errorf("duplicate local id %v", insertOp.Id)
		}
		ops = append(ops, insertOp)
		parent = insertOp.Id
	}

	self.stateLock.Unlock()

	if 0 < len(ops) {
		self.emit(encodeOps(ops), docsync.OriginLocal)
	}
	return nil
}

func (self *Text) ApplyDelta(delta []byte, origin docsync.Origin) error {
	// validate everything before mutating, so apply is all or nothing
	ops, err := decodeOps(delta)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	applied := self.integrate(ops)
	self.stateLock.Unlock()

	if 0 < applied {
		self.emit(delta, origin)
	}
	return nil
}

func (self *Text) ExportState() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// atoms never reorder, so in document order every parent precedes its
	// children and an import never parks an op
	ops := []*op{}
	for _, a := range self.atoms {
		ops = append(ops, &op{
			Type: opTypeInsert,
			Id: a.id,
			Parent: a.parent,
			Value: string(a.value),
		})
	}
	for _, a := range self.atoms {
		if a.deleted {
			ops = append(ops, &op{
				Type: opTypeDelete,
				Id: a.id,
			})
		}
	}
	return encodeOps(ops)
}

// ImportState merges a full snapshot. The merge rule is the same as for
// deltas, so importing over concurrent local edits is safe.
func (self *Text) ImportState(state []byte) error {
	ops, err := decodeOps(state)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	applied := self.integrate(ops)
	self.stateLock.Unlock()

	if 0 < applied {
		self.emit(state, docsync.OriginInit)
	}
	return nil
}

func (self *Text) Text() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var b strings.Builder
	for _, a := range self.atoms {
		if !a.deleted {
			b.WriteRune(a.value)
		}
	}
	return b.String()
}

// returns a function to remove the callback
func (self *Text) AddChangeCallback(changeCallback docsync.ChangeFunction) func() {
	return self.changeCallbacks.Add(changeCallback)
}

// a panicking listener must not break the edit or starve other listeners
func (self *Text) emit(delta []byte, origin docsync.Origin) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Warningf("Unexpected error in callback: %s\n%s\n", r, debug.Stack())
				}
			}()
			changeCallback(delta, origin)
		}()
	}
}

// integrate applies ops, parking the ones whose parent or target is missing,
// and drains the parked set to a fixpoint. returns the number applied.
func (self *Text) integrate(ops []*op) int {
	applied := 0
	for _, o := range ops {
		switch self.integrateOne(o) {
		case integrateApplied:
			applied += 1
		case integratePark:
			self.pending[pendingKey{opType: o.Type, id: o.Id}] = o
		}
	}
	for {
		progress := false
		for key, o := range self.pending {
			switch self.integrateOne(o) {
			case integrateApplied:
				applied += 1
				delete(self.pending, key)
				progress = true
			case integrateSkip:
				delete(self.pending, key)
				progress = true
			case integratePark:
			}
		}
		if !progress {
			return applied
		}
	}
}

type integrateResult int

const (
	integrateApplied integrateResult = iota
	integrateSkip
	integratePark
)

func (self *Text) integrateOne(o *op) integrateResult {
	switch o.Type {
	case opTypeInsert:
		if self.integrateInsert(o) {
			return integrateApplied
		}
		if _, ok := self.atomsById[o.Id]; ok {
			// already applied
			return integrateSkip
		}
		return integratePark
	case opTypeDelete:
		a, ok := self.atomsById[o.Id]
		if !ok {
			return integratePark
		}
		if a.deleted {
			return integrateSkip
		}
		a.deleted = true
		return integrateApplied
	default:
		return integrateSkip
	}
}

func (self *Text) integrateInsert(o *op) bool {
	if _, ok := self.atomsById[o.Id]; ok {
		return false
	}

	i := 0
	if !o.Parent.isRoot() {
		parentIndex := -1
		for j, a := range self.atoms {
			if a.id == o.Parent {
				parentIndex = j
				break
			}
		}
		if parentIndex < 0 {
			return false
		}
		i = parentIndex + 1
	}
	// skip concurrent inserts that win. any atom in a winner's subtree has
	// an id greater than the winner's, so the whole subtree is skipped
	for i < len(self.atoms) && greater(self.atoms[i].id, o.Id) {
		i += 1
	}

	value, _ := utf8.DecodeRuneInString(o.Value)
	a := &atom{
		id: o.Id,
		parent: o.Parent,
		value: value,
	}
	self.atoms = append(self.atoms, nil)
	copy(self.atoms[i+1:], self.atoms[i:])
	self.atoms[i] = a
	self.atomsById[o.Id] = a

	if self.clock < o.Id.Clock {
		self.clock = o.Id.Clock
	}
	return true
}
