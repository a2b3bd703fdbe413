// Package serverenv models the game-server installation a reset operates on.
package serverenv

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PropertiesFile is the engine's configuration file name under the root.
const PropertiesFile = "server.properties"

// Environment is an immutable snapshot of the server installation. Build it
// once at startup with Detect and pass it by value.
type Environment struct {
	// Root is the absolute server root directory.
	Root string
	// Properties is the absolute path of the server.properties file.
	Properties string
	// Artifact is the absolute path of the runnable server jar. Empty when
	// none was found; that is a warning, not an error (see Validate).
	Artifact string
}

// Detect resolves root and locates the server artifact. When artifact is
// non-empty it is taken as-is (resolved against root if relative) instead of
// scanning the directory.
func Detect(root, artifact string) (Environment, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Environment{}, fmt.Errorf("resolve server root: %w", err)
	}
	env := Environment{
		Root:       abs,
		Properties: filepath.Join(abs, PropertiesFile),
	}
	if artifact != "" {
		if filepath.IsAbs(artifact) {
			env.Artifact = artifact
		} else {
			env.Artifact = filepath.Join(abs, artifact)
		}
		return env, nil
	}
	env.Artifact = findArtifact(abs)
	return env, nil
}

// findArtifact picks the most plausible server jar under root: an exact
// server.jar first, then any jar whose name mentions the paper engine, then
// the lexicographically first remaining jar.
func findArtifact(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	var jars []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jar") {
			continue
		}
		jars = append(jars, e.Name())
	}
	if len(jars) == 0 {
		return ""
	}
	sort.Strings(jars)
	for _, name := range jars {
		if name == "server.jar" {
			return filepath.Join(root, name)
		}
	}
	for _, name := range jars {
		if strings.Contains(strings.ToLower(name), "paper") {
			return filepath.Join(root, name)
		}
	}
	return filepath.Join(root, jars[0])
}

// Validate checks the preconditions every reset depends on: the root must be
// a writable directory and the properties file must exist and be writable.
// A missing artifact is reported through warnings and never blocks a reset.
func (e Environment) Validate() (warnings []string, err error) {
	info, err := os.Stat(e.Root)
	if err != nil {
		return nil, fmt.Errorf("server root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("server root %s: not a directory", e.Root)
	}
	if err := probeWritableDir(e.Root); err != nil {
		return nil, fmt.Errorf("server root %s not writable: %w", e.Root, err)
	}
	if _, err := os.Stat(e.Properties); err != nil {
		return nil, fmt.Errorf("properties file: %w", err)
	}
	f, err := os.OpenFile(e.Properties, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("properties file not writable: %w", err)
	}
	f.Close()

	if e.Artifact == "" {
		warnings = append(warnings, "no server artifact (*.jar) found under "+e.Root)
	} else if _, err := os.Stat(e.Artifact); err != nil {
		warnings = append(warnings, "server artifact missing: "+e.Artifact)
	}
	return warnings, nil
}

// probeWritableDir checks writability with an actual create+remove rather
// than permission bits.
func probeWritableDir(dir string) error {
	f, err := os.CreateTemp(dir, ".resetd-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
