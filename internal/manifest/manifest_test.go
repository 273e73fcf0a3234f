package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleManifest = `
app: storefront
env:
  API_KEY: abc123
extensions:
  - handle: checkout-ui
    dir: extensions/checkout
    command: npm
    args: ["run", "build"]
    incremental: true
  - handle: admin-panel
    dir: extensions/admin
    command: make
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if m.App != "storefront" {
		t.Errorf("Expected app storefront, got %s", m.App)
	}
	if m.Env["API_KEY"] != "abc123" {
		t.Error("Env not parsed")
	}
	if len(m.Extensions) != 2 {
		t.Fatalf("Expected 2 extensions, got %d", len(m.Extensions))
	}

	ext, ok := m.Extension("checkout-ui")
	if !ok {
		t.Fatal("checkout-ui not found")
	}
	if !ext.Incremental {
		t.Error("checkout-ui should be incremental")
	}
	if len(ext.Args) != 2 || ext.Args[0] != "run" {
		t.Errorf("Unexpected args: %v", ext.Args)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty payload", "   \n", "empty"},
		{"missing app", "extensions: []", "app name"},
		{"missing handle", "app: x\nextensions:\n  - command: make", "handle is required"},
		{"duplicate handle", "app: x\nextensions:\n  - handle: a\n    command: make\n  - handle: a\n    command: make", "duplicate handle"},
		{"missing command", "app: x\nextensions:\n  - handle: a", "command is required"},
		{"bad yaml", "app: [unclosed", "decode"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devwatch.yaml")
	if err := os.WriteFile(path, []byte(sampleManifest), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.Extensions) != 2 {
		t.Errorf("Expected 2 extensions, got %d", len(m.Extensions))
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestExtensionConfigEqual(t *testing.T) {
	base := ExtensionConfig{Handle: "a", Dir: "ext/a", Command: "make", Args: []string{"build"}}

	if !base.Equal(base) {
		t.Error("Config should equal itself")
	}
	changed := base
	changed.Args = []string{"build", "--fast"}
	if base.Equal(changed) {
		t.Error("Arg change should not be equal")
	}
	changed = base
	changed.Incremental = true
	if base.Equal(changed) {
		t.Error("Incremental change should not be equal")
	}
	changed = base
	changed.Dir = "ext/b"
	if base.Equal(changed) {
		t.Error("Dir change should not be equal")
	}
}
