// Package props reads and rewrites the server's key=value properties file.
//
// Only the level-seed and level-name keys are ever touched; every other line
// is preserved byte for byte and in its original order.
package props

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	keySeed = "level-seed"
	keyName = "level-name"

	// DefaultWorldID is assumed when the properties file is unreadable or
	// carries no level-name, matching the engine's own default.
	DefaultWorldID = "world"

	// idSpace bounds the numeric suffix of generated world identifiers.
	idSpace = 100000
)

// WorldConfiguration is the freshly generated world identity written by
// ApplyNewConfiguration. Created new on every reset, never reused.
type WorldConfiguration struct {
	Seed    int64
	WorldID string
}

// Store mutates one server.properties file.
type Store struct {
	path   string
	root   string
	prefix string
	log    *log.Logger

	// Overridable for tests.
	now       func() time.Time
	draw      func() int64
	dirExists func(name string) bool
}

// NewStore returns a Store for the properties file at path. World
// identifiers are generated as prefix + numeric suffix, probed against the
// directories under root so an identifier never names an existing directory.
func NewStore(path, root, prefix string, logger *log.Logger) *Store {
	s := &Store{
		path:   path,
		root:   root,
		prefix: prefix,
		log:    logger,
		now:    time.Now,
		draw:   func() int64 { return rand.Int63n(1_000_000) },
	}
	s.dirExists = func(name string) bool {
		fi, err := os.Stat(filepath.Join(root, name))
		return err == nil && fi.IsDir()
	}
	return s
}

// CurrentWorldID returns the active level-name, or DefaultWorldID when the
// file is unreadable or the key is absent. Never fails: a reset must be able
// to plan cleanup even when the configuration is in a sorry state.
func (s *Store) CurrentWorldID() string {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Printf("WARN properties unreadable, assuming level-name=%q: %v", DefaultWorldID, err)
		return DefaultWorldID
	}
	id, ok := worldIDFrom(raw)
	if !ok {
		s.log.Printf("WARN %s has no %s, assuming %q", filepath.Base(s.path), keyName, DefaultWorldID)
	}
	return id
}

// worldIDFrom scans raw for the first non-empty level-name value.
func worldIDFrom(raw []byte) (string, bool) {
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, keyName+"=") {
			continue
		}
		v := strings.TrimRight(strings.TrimPrefix(line, keyName+"="), "\r")
		if v != "" {
			return v, true
		}
	}
	return DefaultWorldID, false
}

// ApplyNewConfiguration generates a fresh seed and world identifier and
// rewrites the properties file with them. On any error nothing on disk has
// changed and the caller must abort the reset before any destructive step.
func (s *Store) ApplyNewConfiguration() (WorldConfiguration, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return WorldConfiguration{}, fmt.Errorf("read properties: %w", err)
	}
	current, _ := worldIDFrom(raw)
	id, err := s.newWorldID(current)
	if err != nil {
		return WorldConfiguration{}, err
	}
	cfg := WorldConfiguration{Seed: s.newSeed(), WorldID: id}
	if err := writeFileAtomic(s.path, rewrite(raw, cfg), 0o644); err != nil {
		return WorldConfiguration{}, fmt.Errorf("write properties: %w", err)
	}
	s.log.Printf("properties updated: %s=%s %s=%d", keyName, cfg.WorldID, keySeed, cfg.Seed)
	return cfg, nil
}

// newSeed mixes several weak entropy sources and feeds the sum to a seeded
// generator. The point is decorrelated seeds across rapid repeated resets,
// not cryptographic strength.
func (s *Store) newSeed() int64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	mix := time.Now().UnixNano() +
		s.now().UnixMilli() +
		s.draw() +
		s.draw() +
		int64(mem.HeapIdle)
	return int64(rand.New(rand.NewSource(mix)).Uint64())
}

// newWorldID derives the next identifier as prefix + (unix-millis mod
// idSpace), then probes forward past the current identifier and any suffix
// already claimed by a directory on disk. The suffix space is bounded, so
// exhaustion is reported rather than looping forever.
func (s *Store) newWorldID(current string) (string, error) {
	base := s.now().UnixMilli() % idSpace
	for i := int64(0); i < idSpace; i++ {
		id := s.prefix + strconv.FormatInt((base+i)%idSpace, 10)
		if id == current || s.dirExists(id) {
			continue
		}
		return id, nil
	}
	return "", errors.New("world identifier space exhausted")
}

// rewrite replaces the value of every level-seed/level-name line and appends
// whichever key is missing. All other lines pass through untouched.
func rewrite(raw []byte, cfg WorldConfiguration) []byte {
	seed := strconv.FormatInt(cfg.Seed, 10)
	lines := strings.Split(string(raw), "\n")
	seenSeed, seenName := false, false
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, keySeed+"="):
			lines[i] = keySeed + "=" + seed
			seenSeed = true
		case strings.HasPrefix(line, keyName+"="):
			lines[i] = keyName + "=" + cfg.WorldID
			seenName = true
		}
	}
	out := strings.Join(lines, "\n")
	if !seenSeed || !seenName {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		if !seenSeed {
			out += keySeed + "=" + seed + "\n"
		}
		if !seenName {
			out += keyName + "=" + cfg.WorldID + "\n"
		}
	}
	return []byte(out)
}

// writeFileAtomic writes via a temp file in the same directory plus rename,
// so a crash mid-write can never leave a truncated properties file.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".properties-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(name, mode)
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
