package sync

import (
	"io/fs"
	"strings"
)

// OpType identifies one of the five idempotent remote operations.
type OpType string

const (
	OpMkDir    OpType = "mkdir"
	OpPutFile  OpType = "put"
	OpChmod    OpType = "chmod"
	OpRmFile   OpType = "rm"
	OpRmDirAll OpType = "rmdir"
)

// Operation is a single planned remote operation. Path is relative to the
// mirror roots; Mode carries local permission bits for mkdir/put/chmod.
type Operation struct {
	Type OpType
	Path string
	Mode fs.FileMode
}

// SyncPlan is an ordered sequence of operations sufficient to reconcile an
// observed local change into the remote tree. Invariants: a directory's
// mkdir precedes every operation for its children, and a recursive
// directory removal subsumes everything under it.
type SyncPlan []Operation

// Add appends op unless an earlier recursive removal already covers its
// path.
func (p *SyncPlan) Add(op Operation) {
	for _, existing := range *p {
		if existing.Type == OpRmDirAll && isUnder(op.Path, existing.Path) {
			return
		}
	}
	*p = append(*p, op)
}

// Concat folds another plan in, preserving its internal order and the
// removal-subsumption invariant.
func (p *SyncPlan) Concat(other SyncPlan) {
	for _, op := range other {
		p.Add(op)
	}
}

func isUnder(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}
