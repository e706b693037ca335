package commitsync

import (
	"strings"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// Mover is the pure path rewrite function for one direction of one
// configuration. It holds no state beyond the config.
type Mover struct {
	cfg *CommitSyncConfig
	dir Direction
}

// NewMover builds a Mover for a direction.
func NewMover(cfg *CommitSyncConfig, dir Direction) *Mover {
	return &Mover{cfg: cfg, dir: dir}
}

// Direction returns the direction this mover rewrites in.
func (m *Mover) Direction() Direction {
	return m.dir
}

// MovePath maps a path into the other namespace. For small→large every
// path lands under the prefix. For large→small only paths under the
// prefix are in scope; everything else is invisible to the small
// repository and ok is false.
func (m *Mover) MovePath(p string) (moved string, ok bool) {
	switch m.dir {
	case SmallToLarge:
		return m.cfg.Prefix + "/" + p, true
	case LargeToSmall:
		rest, found := strings.CutPrefix(p, m.cfg.Prefix+"/")
		if !found || rest == "" {
			return "", false
		}
		return rest, true
	default:
		return "", false
	}
}

// MoveFileChange rewrites one file change. Out-of-scope paths report
// ok=false and must be excluded from the rewritten commit. Copy
// provenance is best-effort: a copy source that does not map (or whose
// source commit mapped is unknown; see Rewriter) degrades the change to a
// content-only modification rather than failing the rewrite.
func (m *Mover) MoveFileChange(path string, fc types.FileChange) (movedPath string, moved types.FileChange, ok bool) {
	movedPath, ok = m.MovePath(path)
	if !ok {
		return "", types.FileChange{}, false
	}
	moved = fc
	if fc.Copy != nil {
		fromPath, fromOK := m.MovePath(fc.Copy.FromPath)
		if !fromOK {
			moved.Copy = nil
		} else {
			moved.Copy = &types.CopyInfo{FromPath: fromPath, FromID: fc.Copy.FromID}
		}
	}
	return movedPath, moved, true
}
