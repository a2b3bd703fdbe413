// Package report preserves a per-reset evidence directory: the deletion
// plan that was computed and a byte-for-byte copy of the script that was
// handed to the shell. After the daemon exits mid-reset, the report is the
// only record of what the script was told to do.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"worldreset.gg/internal/worldplan"
)

// Manifest describes one reset operation for post-mortem reading.
type Manifest struct {
	OpID         string   `json:"op_id"`
	Actor        string   `json:"actor"`
	PrevWorld    string   `json:"prev_world"`
	NextWorld    string   `json:"next_world"`
	Seed         int64    `json:"seed"`
	State        string   `json:"state"`
	Dimensions   []string `json:"dimension_dirs"`
	Orphans      []string `json:"orphan_dirs"`
	CacheFiles   []string `json:"cache_files"`
	CacheDirs    []string `json:"cache_dirs"`
	DataPatterns []string `json:"data_patterns"`
	Script       string   `json:"script,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Failure      string   `json:"failure,omitempty"`
	StartedAt    string   `json:"started_at"`
	FinishedAt   string   `json:"finished_at"`
}

// ApplyPlan copies the deletion set into the manifest.
func (m *Manifest) ApplyPlan(p worldplan.Plan) {
	m.PrevWorld = p.PreviousWorldID
	m.NextWorld = p.NextWorldID
	m.Dimensions = append([]string(nil), p.DimensionDirs[:]...)
	m.Orphans = append([]string(nil), p.Orphans...)
	m.CacheFiles = append([]string(nil), p.CacheFiles...)
	m.CacheDirs = append([]string(nil), p.CacheDirs...)
	m.DataPatterns = append([]string(nil), p.DataPatterns...)
}

// Keeper writes reports under a base directory, one subdirectory per
// operation.
type Keeper struct {
	dir string
	log *log.Logger
}

func NewKeeper(dir string, logger *log.Logger) *Keeper {
	return &Keeper{dir: dir, log: logger}
}

// Save writes <dir>/<op-id>/manifest.json and, when scriptPath is set,
// copies the script alongside it. It returns the report directory.
func (k *Keeper) Save(m Manifest, scriptPath string) (string, error) {
	if m.OpID == "" {
		return "", fmt.Errorf("manifest missing op id")
	}
	if m.FinishedAt == "" {
		m.FinishedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	reportDir := filepath.Join(k.dir, m.OpID)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return "", err
	}

	if scriptPath != "" {
		dst := filepath.Join(reportDir, filepath.Base(scriptPath))
		if err := copyFile(scriptPath, dst); err != nil {
			// The manifest is still worth keeping without the copy.
			k.log.Printf("WARN report %s: cannot copy script: %v", m.OpID, err)
		} else {
			m.Script = filepath.Base(scriptPath)
		}
	}

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(reportDir, "manifest.json"), b, 0o644); err != nil {
		return "", err
	}
	return reportDir, nil
}

// Load reads a previously saved manifest, mostly for tests and tooling.
func Load(reportDir string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(reportDir, "manifest.json"))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	return m, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
