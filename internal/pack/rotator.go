package pack

import (
	"fmt"

	"github.com/presto8/bup/internal/gitobj"
)

// NewContainerFunc opens a fresh pack container and returns its
// generated (randomized, not content-addressed — spec.md §6) name.
type NewContainerFunc func() (Container, string, error)

// OnFinishedFunc is called once a pack is finished, with its name and
// built idx, so the caller can persist the idx and register it in the
// repository's combined idx list.
type OnFinishedFunc func(name string, idx *Idx) error

// rotatorState mirrors spec.md §9's "tentative pack-rotation state
// machine" design note.
type rotatorState int

const (
	stateNone rotatorState = iota
	stateOpen
	stateFinishing
)

// Rotator owns at most one open pack at a time, finishing and
// reopening it once its size crosses maxSize (spec.md §4.6
// "Rotation"). A repository runs one Rotator for data objects and,
// when bup.separatemeta is set, a second for metadata objects.
type Rotator struct {
	maxSize      int64
	newContainer NewContainerFunc
	onFinished   OnFinishedFunc

	state   rotatorState
	cur     *Writer
	curName string
}

// NewRotator returns a Rotator that opens new packs via newContainer
// and reports finished packs via onFinished.
func NewRotator(maxSize int64, newContainer NewContainerFunc, onFinished OnFinishedFunc) *Rotator {
	return &Rotator{maxSize: maxSize, newContainer: newContainer, onFinished: onFinished, state: stateNone}
}

// Write appends one object, rotating to a new pack first if the
// currently open pack has already crossed maxSize. Returns the name
// of the pack the object landed in.
func (r *Rotator) Write(typ byte, sha gitobj.OID, payload []byte) (string, int64, error) {
	if r.state == stateOpen && r.cur.Size() > r.maxSize {
		if err := r.rotate(); err != nil {
			return "", 0, err
		}
	}
	if r.state == stateNone {
		if err := r.open(); err != nil {
			return "", 0, err
		}
	}
	off, err := r.cur.Write(typ, sha, payload)
	return r.curName, off, err
}

// CurrentName reports the name of the pack currently open for
// writing, if any.
func (r *Rotator) CurrentName() (string, bool) {
	return r.curName, r.state == stateOpen
}

// Contains reports whether sha has been written to the currently open
// pack in this session.
func (r *Rotator) Contains(sha gitobj.OID) bool {
	return r.state == stateOpen && r.cur.Contains(sha)
}

func (r *Rotator) open() error {
	c, name, err := r.newContainer()
	if err != nil {
		return fmt.Errorf("pack: open new container: %w", err)
	}
	r.cur = NewWriter(c)
	r.curName = name
	r.state = stateOpen
	return nil
}

func (r *Rotator) rotate() error {
	r.state = stateFinishing
	idx, err := r.cur.Finish()
	if err != nil {
		return err
	}
	if err := r.onFinished(r.curName, idx); err != nil {
		return fmt.Errorf("pack: finish callback for %s: %w", r.curName, err)
	}
	r.cur = nil
	r.curName = ""
	r.state = stateNone
	return nil
}

// FinishAll finishes the currently open pack, if any. Called by
// Repository.FinishWriting.
func (r *Rotator) FinishAll() error {
	if r.state != stateOpen {
		return nil
	}
	return r.rotate()
}

// AbortAll discards the currently open pack's tentative idx without
// invoking onFinished. Called by Repository.AbortWriting.
func (r *Rotator) AbortAll() {
	if r.state == stateOpen {
		r.cur.Abort()
	}
	r.cur = nil
	r.curName = ""
	r.state = stateNone
}
