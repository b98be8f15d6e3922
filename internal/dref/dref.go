// Package dref implements the guarded, reference-counted container around
// one kernel file descriptor.
//
// A Cell opens its descriptor lazily on first Borrow, hands out Handles
// that pin the descriptor open, and closes it only once a close has been
// requested and no borrow is outstanding: at once if the cell is idle when
// the close is requested, otherwise at the moment the borrow count
// transitions from one to zero. Borrow/RequestClose races resolve either way without error:
// the borrower always either gets the already-open fd, or triggers a
// fresh open that clears any prior pending-close.
package dref

import (
	"fmt"
	"os"
	"sync"
)

// Mode selects the access mode used for a lazy reopen.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) flags() int {
	if m == ModeWrite {
		return os.O_RDWR | os.O_CREATE
	}
	return os.O_RDONLY
}

// OpenFailedError wraps a filesystem error encountered while (re)opening
// a cell's descriptor.
type OpenFailedError struct {
	Path string
	Err  error
}

func (e *OpenFailedError) Error() string {
	return fmt.Sprintf("dref: open %q: %v", e.Path, e.Err)
}

func (e *OpenFailedError) Unwrap() error { return e.Err }

// Cell is one DescriptorCell. The zero value is not usable; construct with
// New or NewOpen.
type Cell struct {
	mu sync.Mutex

	openPath string
	mode     Mode
	budget   *Budget

	fd           *os.File // nil iff closed
	generation   uint64
	borrowCount  int64
	pendingClose bool
}

// New creates a cell whose descriptor is not yet open; it opens lazily on
// the first Borrow.
func New(openPath string, mode Mode, budget *Budget) *Cell {
	return &Cell{openPath: openPath, mode: mode, budget: budget}
}

// NewOpen creates a cell pre-opened at f, as done for a freshly created
// object whose writable descriptor is about to be handed to the client.
// f is considered borrowed zero times; the first caller must still Borrow
// to obtain a Handle.
func NewOpen(f *os.File, openPath string, mode Mode, budget *Budget) *Cell {
	c := &Cell{openPath: openPath, mode: mode, budget: budget, fd: f}
	if budget != nil {
		budget.noteOpen()
	}
	return c
}

// Handle is a transient right to use a Cell's open descriptor. The zero
// value is not a valid handle.
type Handle struct {
	cell       *Cell
	fd         *os.File
	generation uint64
}

// File returns the underlying descriptor. Valid only between Borrow and the
// matching Drop.
func (h Handle) File() *os.File { return h.fd }

// Fd returns the raw OS descriptor number, suitable for ancillary-data
// passing.
func (h Handle) Fd() int { return int(h.fd.Fd()) }

// Borrow ensures the cell's descriptor is open and returns a Handle
// pinning it. If the descriptor was already open, no syscall is performed
// and the caller shares the existing fd.
func (c *Cell) Borrow() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fd == nil {
		f, err := os.OpenFile(c.openPath, c.mode.flags(), 0o644)
		if err != nil {
			return Handle{}, &OpenFailedError{Path: c.openPath, Err: err}
		}
		c.fd = f
		c.pendingClose = false
		if c.budget != nil {
			c.budget.noteOpen()
		}
	}

	c.borrowCount++
	return Handle{cell: c, fd: c.fd, generation: c.generation}, nil
}

// Drop releases a Handle obtained from Borrow. A handle issued by another
// cell is released on that cell. If the borrow count reaches zero and a
// close was requested, the descriptor is closed and the generation
// advanced.
func (c *Cell) Drop(h Handle) {
	if h.cell != nil && h.cell != c {
		// The owner swapped in a new cell (a migration) after h was
		// borrowed; the borrow is counted on the cell that issued it.
		h.cell.Drop(h)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h.generation != c.generation {
		// The handle refers to a generation that was already fully retired;
		// every borrow on it was already dropped before the cell could reopen.
		return
	}

	c.borrowCount--
	if c.borrowCount == 0 && c.pendingClose {
		c.closeLocked()
	}
}

// RequestClose asks the cell to close its descriptor once idle. If no
// borrow is outstanding it closes immediately; otherwise the close is
// deferred to the last Drop.
func (c *Cell) RequestClose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fd == nil {
		return
	}
	if c.borrowCount == 0 {
		c.closeLocked()
		return
	}
	c.pendingClose = true
}

// closeLocked must be called with c.mu held and c.fd non-nil.
func (c *Cell) closeLocked() {
	c.fd.Close()
	c.fd = nil
	c.generation++
	c.pendingClose = false
	if c.budget != nil {
		c.budget.noteClose()
	}
}

// Idle reports whether the cell currently has no outstanding borrows,
// making it a candidate for the idle-descriptor evictor.
func (c *Cell) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.borrowCount == 0
}

// Open reports whether the cell's kernel descriptor is currently open.
func (c *Cell) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fd != nil
}

// Stat reports the current size of the backing file if the descriptor is
// open or can be opened, borrowing the descriptor for the duration of the
// fstat.
func (c *Cell) Stat() (size int64, err error) {
	h, err := c.Borrow()
	if err != nil {
		return 0, err
	}
	defer c.Drop(h)

	fi, err := h.File().Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
