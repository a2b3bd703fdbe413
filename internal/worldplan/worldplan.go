// Package worldplan computes the deletion set for a world reset.
//
// The planner only decides what should go; nothing in this package deletes
// anything. The restart script executes the plan after the daemon is gone.
package worldplan

import (
	"log"
	"os"
	"sort"
	"strings"
)

// WorldPrefix is the naming convention every generated world follows.
const WorldPrefix = "world_"

const (
	suffixNether = "_nether"
	suffixEnd    = "_the_end"
)

// CacheFiles returns the engine-regenerated JSON files removed on reset.
func CacheFiles() []string {
	return []string{
		"usercache.json",
		"whitelist.json",
		"banned-players.json",
		"banned-ips.json",
		"session.lock",
	}
}

// CacheDirs returns the derived-data directories removed on reset.
func CacheDirs() []string {
	return []string{"cache", "logs", "versions", ".paper-remapped"}
}

// WorldDataPatterns returns the glob patterns for stray world-data files
// living directly under the server root.
func WorldDataPatterns() []string {
	return []string{"level.dat*", "uid.dat"}
}

// DimensionDirs returns the three dimension directory names for id in the
// fixed overworld, nether, end order the restart script reports them in.
func DimensionDirs(id string) [3]string {
	return [3]string{id, id + suffixNether, id + suffixEnd}
}

// Plan is the complete deletion set for one reset. Computed once, consumed
// immediately by the script materializer, never persisted as state.
type Plan struct {
	PreviousWorldID string
	NextWorldID     string
	DimensionDirs   [3]string
	Orphans         []string
	CacheFiles      []string
	CacheDirs       []string
	DataPatterns    []string
}

// Planner discovers orphan world directories under one server root.
type Planner struct {
	root   string
	prefix string
	log    *log.Logger
}

// NewPlanner returns a Planner scanning root. An empty prefix falls back to
// WorldPrefix.
func NewPlanner(root, prefix string, logger *log.Logger) *Planner {
	if prefix == "" {
		prefix = WorldPrefix
	}
	return &Planner{root: root, prefix: prefix, log: logger}
}

// Orphans lists world-prefixed directories under the root that are not in
// keep, sorted for stable script output. Matching is by prefix convention,
// not a manifest: it survives crashes that lost in-memory history, at the
// cost of sweeping unrelated directories that share the prefix.
//
// A root that cannot be listed yields an empty set and a warning; orphan
// cleanup is best-effort and never blocks a reset.
func (p *Planner) Orphans(keep ...string) []string {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		p.log.Printf("WARN cannot list %s for orphan scan: %v", p.root, err)
		return nil
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	var orphans []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, p.prefix) {
			continue
		}
		if _, ok := keepSet[name]; ok {
			continue
		}
		orphans = append(orphans, name)
	}
	sort.Strings(orphans)
	return orphans
}

// Compute assembles the plan for retiring prev in favor of next. Both
// worlds' dimension directories are excluded from the orphan scan: prev's
// because they are already listed for deletion, next's so a freshly created
// world can never be swept by its own reset.
func (p *Planner) Compute(prev, next string) Plan {
	dims := DimensionDirs(prev)
	nextDims := DimensionDirs(next)
	keep := make([]string, 0, len(dims)+len(nextDims))
	keep = append(keep, dims[:]...)
	keep = append(keep, nextDims[:]...)
	return Plan{
		PreviousWorldID: prev,
		NextWorldID:     next,
		DimensionDirs:   dims,
		Orphans:         p.Orphans(keep...),
		CacheFiles:      CacheFiles(),
		CacheDirs:       CacheDirs(),
		DataPatterns:    WorldDataPatterns(),
	}
}
