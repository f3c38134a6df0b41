package sync

// ChangeKind is the coarse classification of a filesystem event.
type ChangeKind string

const (
	KindCreated     ChangeKind = "created"
	KindModified    ChangeKind = "modified"
	KindRemoved     ChangeKind = "removed"
	KindRenamedFrom ChangeKind = "renamed-from"
	KindRenamedTo   ChangeKind = "renamed-to"
)

// ChangeEvent is a single raw filesystem event: an absolute local path and
// what happened to it. Events are ephemeral; the debouncer folds them into
// batches.
type ChangeEvent struct {
	Path string
	Kind ChangeKind
}

// ChangeBatch maps a path to the event that dominates it within one
// debounce window.
type ChangeBatch map[string]ChangeEvent

// Add folds an event into the batch. The latest kind for a path wins, so a
// trailing Removed dominates any earlier Created/Modified for the same
// path. Rename halves are normalized: the vanished side becomes Removed,
// the appeared side Created.
func (b ChangeBatch) Add(ev ChangeEvent) {
	kind := ev.Kind
	switch kind {
	case KindRenamedFrom:
		kind = KindRemoved
	case KindRenamedTo:
		kind = KindCreated
	}
	b[ev.Path] = ChangeEvent{Path: ev.Path, Kind: kind}
}
