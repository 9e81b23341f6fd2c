package checkpoint

// PersistenceCursorName is the reserved cursor draining items to disk. It is
// registered when the manager is created and can never be dropped.
const PersistenceCursorName = "persistence"

// Cursor marks a consumer's position in the checkpoint list: the checkpoint
// it currently sits in and the absolute position of the last item it
// consumed. All access goes through the owning Manager, under its lock.
type Cursor struct {
	name      string
	ckpt      *Checkpoint
	pos       int
	droppable bool
	dropped   bool
}

// Name returns the cursor's registered name.
func (c *Cursor) Name() string { return c.name }

// Dropped reports whether the manager dropped this cursor under memory
// pressure. A dropped cursor's consumer must restart from a disk backfill.
func (c *Cursor) Dropped() bool { return c.dropped }
