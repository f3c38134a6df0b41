package sync

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sheol27/rmote/internal/utils"
)

// Differ turns local tree state and change events into ordered SyncPlans.
// It never queries the remote side: the gateway operations are idempotent,
// so always emitting create/upload is safe, just occasionally redundant.
//
// The differ remembers which directories it has planned so far in this run
// to decide between file and recursive-directory removal for paths that no
// longer exist locally. Nothing is persisted between runs.
type Differ struct {
	root      string
	blacklist *Blacklist
	knownDirs map[string]struct{}
}

func NewDiffer(root string, blacklist *Blacklist) *Differ {
	return &Differ{
		root:      root,
		blacklist: blacklist,
		knownDirs: make(map[string]struct{}),
	}
}

// FullTreePlan walks the whole local root top-down and plans a mkdir for
// every directory and an upload for every regular file, skipping
// blacklisted subtrees.
func (d *Differ) FullTreePlan() (SyncPlan, error) {
	return d.treePlan(d.root)
}

// IncrementalPlan plans the operations for one coalesced change.
func (d *Differ) IncrementalPlan(ev ChangeEvent) (SyncPlan, error) {
	if d.blacklist.Match(ev.Path) {
		return nil, nil
	}
	rel, ok := d.rel(ev.Path)
	if !ok || rel == "." {
		return nil, nil
	}

	var plan SyncPlan

	if ev.Kind == KindRemoved {
		d.planRemoval(&plan, rel)
		return plan, nil
	}

	info, err := os.Stat(ev.Path)
	if err != nil {
		// The path vanished between event and planning; mirror the
		// disappearance instead of failing.
		slog.Debug("local path gone, planning removal", "path", rel, "error", err)
		d.planRemoval(&plan, rel)
		return plan, nil
	}

	if info.IsDir() {
		// Directory-creation events do not carry the initial contents, so
		// plan the whole subtree.
		sub, err := d.treePlan(ev.Path)
		if err != nil {
			return nil, err
		}
		plan.Concat(sub)
	} else if info.Mode().IsRegular() {
		plan.Add(Operation{Type: OpPutFile, Path: rel, Mode: info.Mode().Perm()})
	}

	return plan, nil
}

// planRemoval picks the removal flavour for a path whose local kind is no
// longer observable. Recursive directory removal is only attempted when a
// mkdir for the path is on record; otherwise a file removal is planned and
// the gateway tolerates "not found".
func (d *Differ) planRemoval(plan *SyncPlan, rel string) {
	if _, isDir := d.knownDirs[rel]; isDir {
		plan.Add(Operation{Type: OpRmDirAll, Path: rel})
		d.forgetSubtree(rel)
	} else {
		plan.Add(Operation{Type: OpRmFile, Path: rel})
	}
}

func (d *Differ) treePlan(start string) (SyncPlan, error) {
	var plan SyncPlan

	err := filepath.WalkDir(start, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == start {
				return walkErr
			}
			slog.Warn("walk error, skipping", "path", p, "error", walkErr)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.blacklist.Match(p) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, ok := d.rel(p)
		if !ok {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			// Vanished mid-walk; incremental events will catch up.
			return nil
		}

		if entry.IsDir() {
			if rel != "." {
				plan.Add(Operation{Type: OpMkDir, Path: rel, Mode: info.Mode().Perm()})
			}
			d.knownDirs[rel] = struct{}{}
		} else if info.Mode().IsRegular() {
			plan.Add(Operation{Type: OpPutFile, Path: rel, Mode: info.Mode().Perm()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return plan, nil
}

func (d *Differ) forgetSubtree(rel string) {
	for dir := range d.knownDirs {
		if isUnder(dir, rel) {
			delete(d.knownDirs, dir)
		}
	}
}

func (d *Differ) rel(p string) (string, bool) {
	if !filepath.IsAbs(p) {
		return utils.NormPath(p), true
	}
	rel, err := filepath.Rel(d.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return utils.NormPath(rel), true
}
