// Package save implements spec.md §4.9: the driver that reads a stream
// of file-index entries and turns them into one commit on a named
// branch, deduplicating file content against the repository, building
// tree objects via internal/dirstack and internal/treesplit, and
// splitting unseen file content via internal/rollsum and
// internal/chunktree.
//
// Grounded on the teacher's fs.go Mkdir/OpenFile flow: a parent
// directory must exist (here: be the currently open stack frame)
// before a child can be created, and a walk pushes/pops directories as
// it descends and ascends a sorted path stream.
package save

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/presto8/bup/errs"
	"github.com/presto8/bup/internal/chunktree"
	"github.com/presto8/bup/internal/dirstack"
	"github.com/presto8/bup/internal/gitobj"
	"github.com/presto8/bup/internal/metaenc"
	"github.com/presto8/bup/internal/rollsum"
	"github.com/presto8/bup/internal/treesplit"
	"github.com/presto8/bup/logx"
)

// ObjectStore is the subset of *repo.Repository the save driver and
// its tree/chunk builders need: dedup-aware object writes, ref CAS,
// and pack lifecycle control (spec.md §4.8/§4.9).
type ObjectStore interface {
	chunktree.Store // PutBlob, PutTree — also satisfies treesplit.ObjectStore

	WriteData(payload []byte) (gitobj.OID, error)
	WriteSymlink(target string) (gitobj.OID, error)
	WriteCommit(payload []byte) (gitobj.OID, error)

	Exists(sha gitobj.OID) bool

	// UpdateRef finishes writing every open pack before performing its
	// compare-and-swap (spec.md §4.8), so a successful call is also the
	// point at which this save's objects become durable.
	UpdateRef(name string, newOID, old gitobj.OID) error
	AbortWriting() error
}

// IndexWriter persists an updated (sha, gitmode) back to the file
// index so a later save can reuse this save's work without resplitting
// (spec.md §4.9 step 5). The index itself is out of scope (spec.md §1).
type IndexWriter interface {
	UpdateEntry(path string, sha gitobj.OID, gitMode gitobj.Mode) error
}

// HardlinkDB is the opaque (dev,ino) -> first known path lookup
// spec.md §1 treats as an external collaborator ("hlinkdb").
type HardlinkDB interface {
	FirstPath(dev, ino uint64) (string, bool)
}

// Options configures one save run.
type Options struct {
	// Branch is the ref name this save updates.
	Branch string
	// PrevCommit is the branch's current tip, or the zero OID for a
	// new branch; UpdateRef CAS-fails if this is stale.
	PrevCommit gitobj.OID

	// Strip is a path-component prefix dropped from every source path
	// before archiving (the --strip / --strip-path CLI options).
	Strip []string
	// Grafts maps source path prefixes onto different archive path
	// prefixes (the --graft CLI option).
	Grafts []GraftRule

	TreeOpts   treesplit.Options
	RollOpts   rollsum.Options
	MaxPerTree int

	Hardlinks HardlinkDB
	IndexOut  IndexWriter
	Opener    SourceOpener

	Author, Committer string
	// Now returns the commit timestamp; defaults to time.Now.
	Now func() time.Time
	Log *logx.Logger
}

// Result summarizes one completed save.
type Result struct {
	Commit gitobj.OID
	Tree   gitobj.OID
	// Errors holds one entry per skipped source file (spec.md §7's
	// SourceIOError policy: logged, skipped, save continues).
	Errors []error
}

// Driver executes one save (spec.md §4.9). Not safe for concurrent
// use; spec.md §5 allows only one save per repository at a time.
type Driver struct {
	store ObjectStore
	opts  Options
	stack *dirstack.Stack

	rootCollision bool
	errorList     []error
}

// New returns a Driver that will write objects through store.
func New(store ObjectStore, opts Options) *Driver {
	if opts.Opener == nil {
		opts.Opener = OSOpener{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logx.Discard
	}
	d := &Driver{
		store:         store,
		opts:          opts,
		rootCollision: detectRootCollision(opts.Grafts),
	}
	d.stack = dirstack.New(d.writeTree)
	return d
}

// zeroMeta is the metadata callback Align uses when lazily pushing a
// frame for a path component whose own directory-kind entry hasn't
// been seen yet; Add overwrites Frame.Meta once that entry arrives.
func zeroMeta([]string) metaenc.Record { return metaenc.Record{} }

func (d *Driver) writeTree(frame *dirstack.Frame) (gitobj.OID, error) {
	childMeta := make(map[string]metaenc.Record, len(frame.Entries))
	for _, e := range frame.Entries {
		if e.Mode == gitobj.ModeTree {
			continue
		}
		if m, ok := frame.MetaFor(e.Name); ok {
			childMeta[e.Name] = m
		}
	}
	return treesplit.WriteTree(d.store, d.opts.TreeOpts, frame.Meta, frame.Entries, childMeta)
}

func mangleIfSplit(name string, gmode gitobj.Mode) string {
	if gmode == gitobj.ModeTree {
		return gitobj.MangleName(name)
	}
	return name
}

// Add processes one index entry (spec.md §4.9 steps 1-5). Entries
// must arrive in an order where every directory's descendants are
// contiguous, as a sorted filesystem walk naturally produces.
func (d *Driver) Add(e Entry) error {
	comps := d.archivePath(e.Path)

	if e.Kind == KindDir {
		if err := d.stack.Align(comps, zeroMeta); err != nil {
			return err
		}
		meta := e.Meta
		if len(comps) == 0 && d.rootCollision {
			// spec.md §9 open question: on a root collision between
			// distinct graft sources, the merged root's metadata is
			// empty rather than picking one source arbitrarily.
			meta = metaenc.Record{}
		}
		d.stack.Top().Meta = meta
		return nil
	}

	if len(comps) == 0 {
		return fmt.Errorf("save: entry %q maps to the archive root itself but is not a directory", e.Path)
	}
	dir, name := comps[:len(comps)-1], comps[len(comps)-1]
	if err := d.stack.Align(dir, zeroMeta); err != nil {
		return err
	}

	meta := e.Meta
	if e.Nlink > 1 && d.opts.Hardlinks != nil {
		if p, ok := d.opts.Hardlinks.FirstPath(e.Dev, e.Ino); ok {
			meta.HardlinkTarget = p
		}
	}

	var (
		gmode gitobj.Mode
		oid   gitobj.OID
		err   error
	)
	switch e.Kind {
	case KindSymlink:
		meta.Symlink = e.LinkTarget
		gmode = gitobj.ModeSymlink
		oid, err = d.store.WriteSymlink(e.LinkTarget)
	case KindOther:
		// spec.md §9: devices, fifos, and sockets all dedup to the one
		// shared empty-blob OID; their real detail lives in Meta.
		gmode = gitobj.ModeFile
		oid, err = d.store.WriteData(nil)
	default: // KindFile
		gmode, oid, err = d.saveFile(e)
	}
	if err != nil {
		var sioErr *errs.SourceIOError
		if errors.As(err, &sioErr) {
			d.opts.Log.Warn("skipping unreadable source entry", logx.Fields{"path": e.Path, "error": sioErr.Error()})
			d.errorList = append(d.errorList, sioErr)
			return nil
		}
		return err
	}

	name = mangleIfSplit(name, gmode)
	d.stack.AddEntry(name, gmode, oid, meta)

	if d.opts.IndexOut != nil {
		if err := d.opts.IndexOut.UpdateEntry(e.Path, oid, gmode); err != nil {
			return fmt.Errorf("save: update index for %s: %w", e.Path, err)
		}
	}
	return nil
}

// saveFile resolves a regular file's content OID, reusing a still-valid
// prior save when the repository still has it, otherwise opening and
// splitting the file (spec.md §4.9 step 4).
func (d *Driver) saveFile(e Entry) (gitobj.Mode, gitobj.OID, error) {
	if e.validPrior() && d.store.Exists(e.SHA) {
		return e.GitMode, e.SHA, nil
	}

	rc, err := d.opts.Opener.Open(e.Path)
	if err != nil {
		return 0, gitobj.OID{}, errs.NewSourceIOError(e.Path, err)
	}
	defer rc.Close()

	chunks, err := rollsum.Split([]io.Reader{rc}, d.opts.RollOpts)
	if err != nil {
		return 0, gitobj.OID{}, errs.NewSourceIOError(e.Path, err)
	}

	b := chunktree.New(d.store, d.opts.MaxPerTree)
	for _, c := range chunks {
		if err := b.Add(c.Data, c.Level); err != nil {
			return 0, gitobj.OID{}, err
		}
	}
	return b.Finish()
}

// Finish pops every remaining open directory frame, writes the commit
// referencing the resulting root tree, and CAS-updates opts.Branch to
// it (spec.md §4.9 step 6). On any error it aborts all tentative pack
// writes first (spec.md §7).
func (d *Driver) Finish() (Result, error) {
	if err := d.stack.PopAll(); err != nil {
		d.abort()
		return Result{}, err
	}

	commit := gitobj.Commit{
		Tree:      d.stack.Root,
		Author:    d.opts.Author,
		Committer: d.opts.Committer,
		When:      d.opts.Now(),
		Message:   "bup save",
	}
	if !d.opts.PrevCommit.Zero() {
		commit.Parents = []gitobj.OID{d.opts.PrevCommit}
	}

	commitOID, err := d.store.WriteCommit(commit.Encode())
	if err != nil {
		d.abort()
		return Result{}, err
	}

	if err := d.store.UpdateRef(d.opts.Branch, commitOID, d.opts.PrevCommit); err != nil {
		d.abort()
		return Result{}, err
	}

	return Result{Commit: commitOID, Tree: d.stack.Root, Errors: d.errorList}, nil
}

func (d *Driver) abort() {
	if err := d.store.AbortWriting(); err != nil {
		d.opts.Log.Error("abort writing failed", logx.Fields{"error": err.Error()})
	}
}

// Run is a convenience entry point for callers (and tests) that
// already have the full entry stream in memory: it drives a fresh
// Driver through every entry and finishes the save.
func Run(store ObjectStore, opts Options, entries []Entry) (Result, error) {
	d := New(store, opts)
	for _, e := range entries {
		if err := d.Add(e); err != nil {
			d.abort()
			return Result{}, err
		}
	}
	return d.Finish()
}
