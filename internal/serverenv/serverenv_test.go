package serverenv

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDetect_PrefersServerJar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "aaa.jar"), "x")
	writeFile(t, filepath.Join(dir, "paper-1.21.4.jar"), "x")
	writeFile(t, filepath.Join(dir, "server.jar"), "x")

	env, err := Detect(dir, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got, want := env.Artifact, filepath.Join(dir, "server.jar"); got != want {
		t.Fatalf("artifact = %q, want %q", got, want)
	}
	if env.Properties != filepath.Join(dir, "server.properties") {
		t.Fatalf("properties path = %q", env.Properties)
	}
}

func TestDetect_FallsBackToPaperThenFirstJar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "zzz.jar"), "x")
	writeFile(t, filepath.Join(dir, "paper-1.21.4.jar"), "x")

	env, err := Detect(dir, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got, want := env.Artifact, filepath.Join(dir, "paper-1.21.4.jar"); got != want {
		t.Fatalf("artifact = %q, want %q", got, want)
	}

	if err := os.Remove(filepath.Join(dir, "paper-1.21.4.jar")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	env, err = Detect(dir, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got, want := env.Artifact, filepath.Join(dir, "zzz.jar"); got != want {
		t.Fatalf("artifact = %q, want %q", got, want)
	}
}

func TestDetect_ExplicitArtifactWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "server.jar"), "x")

	env, err := Detect(dir, "custom.jar")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got, want := env.Artifact, filepath.Join(dir, "custom.jar"); got != want {
		t.Fatalf("artifact = %q, want %q", got, want)
	}
}

func TestValidate_MissingPropertiesBlocks(t *testing.T) {
	dir := t.TempDir()
	env, err := Detect(dir, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, err := env.Validate(); err == nil {
		t.Fatalf("Validate succeeded without server.properties")
	}
}

func TestValidate_MissingArtifactOnlyWarns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "server.properties"), "level-name=world\n")

	env, err := Detect(dir, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	warnings, err := env.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "no server artifact") {
		t.Fatalf("warnings = %v, want one artifact warning", warnings)
	}
}

func TestValidate_HealthyEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "server.properties"), "level-name=world\n")
	writeFile(t, filepath.Join(dir, "server.jar"), "x")

	env, err := Detect(dir, "")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	warnings, err := env.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
}
