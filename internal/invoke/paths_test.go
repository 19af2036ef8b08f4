package invoke

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newPolicy(t *testing.T, roots ...string) *PathPolicy {
	t.Helper()
	p, err := NewPathPolicy(roots)
	if err != nil {
		t.Fatalf("NewPathPolicy() error = %v", err)
	}
	return p
}

func TestNewPathPolicy_Errors(t *testing.T) {
	if _, err := NewPathPolicy(nil); err == nil {
		t.Error("NewPathPolicy(nil) = nil error, want error")
	}
	if _, err := NewPathPolicy([]string{"/does/not/exist/anywhere"}); err == nil {
		t.Error("NewPathPolicy(missing root) = nil error, want error")
	}
}

func TestCheckRead_WithinRoot(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(target, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}

	p := newPolicy(t, root)
	canonical, err := p.CheckRead(target)
	if err != nil {
		t.Fatalf("CheckRead() error = %v", err)
	}
	if filepath.Base(canonical) != "notes.txt" {
		t.Errorf("canonical = %q", canonical)
	}
}

func TestCheckRead_OutsideRoot(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	target := filepath.Join(other, "secret.txt")
	if err := os.WriteFile(target, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	p := newPolicy(t, root)
	if _, err := p.CheckRead(target); err == nil {
		t.Error("CheckRead() outside root = nil error, want refusal")
	}
}

func TestCheckRead_SensitivePatterns(t *testing.T) {
	root := t.TempDir()
	p := newPolicy(t, root)

	tests := []string{
		filepath.Join(root, ".ssh", "id_rsa"),
		filepath.Join(root, ".aws", "credentials"),
		filepath.Join(root, "sub", ".env"),
		filepath.Join(root, "sub", ".env.production"),
		filepath.Join(root, "sub", ".env.local"),
		filepath.Join(root, "keys", "id_rsa.pub"),
		filepath.Join(root, ".gnupg", "secring.gpg"),
		"/etc/shadow",
		"~/.ssh/authorized_keys",
	}

	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			_, err := p.CheckRead(path)
			if err == nil {
				t.Fatalf("CheckRead(%q) = nil error, want sensitive-path refusal", path)
			}
			// Sensitive patterns are refused before any filesystem access,
			// so the error names the pattern, not a missing file.
			if !strings.Contains(err.Error(), "sensitive") {
				t.Errorf("CheckRead(%q) error = %v, want sensitive-path error", path, err)
			}
		})
	}
}

func TestCheckRead_SimilarNamesNotSensitive(t *testing.T) {
	root := t.TempDir()
	p := newPolicy(t, root)

	// Names that merely share a prefix with a denylisted fragment are fine.
	for _, name := range []string{"environment.txt", ".envelope", "id_rsa_notes"} {
		target := filepath.Join(root, name)
		if err := os.WriteFile(target, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := p.CheckRead(target); err != nil {
			t.Errorf("CheckRead(%q) error = %v, want allowed", name, err)
		}
	}
}

func TestCheckRead_SymlinkEscapeRefused(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(root, "innocent.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	p := newPolicy(t, root)
	if _, err := p.CheckRead(link); err == nil {
		t.Error("CheckRead() through escaping symlink = nil error, want refusal")
	}
}

func TestCheckWrite_NewFileWithinRoot(t *testing.T) {
	root := t.TempDir()
	p := newPolicy(t, root)

	target, err := p.CheckWrite(filepath.Join(root, "new-file.yaml"))
	if err != nil {
		t.Fatalf("CheckWrite() error = %v", err)
	}
	if filepath.Base(target) != "new-file.yaml" {
		t.Errorf("target = %q", target)
	}
}

func TestCheckWrite_SymlinkTargetRefused(t *testing.T) {
	root := t.TempDir()
	real := filepath.Join(root, "real.txt")
	if err := os.WriteFile(real, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	p := newPolicy(t, root)
	if _, err := p.CheckWrite(link); err == nil {
		t.Error("CheckWrite() on symlink target = nil error, want refusal")
	}
}

func TestCheckWrite_SensitiveAndOutside(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	p := newPolicy(t, root)

	tests := []struct {
		name string
		path string
	}{
		{"sensitive", filepath.Join(root, ".ssh", "config")},
		{"outside root", filepath.Join(other, "file.txt")},
		{"system file", "/etc/shadow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.CheckWrite(tt.path); err == nil {
				t.Errorf("CheckWrite(%q) = nil error, want refusal", tt.path)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	got, err := ExpandHome("~/config.yaml")
	if err != nil {
		t.Fatalf("ExpandHome() error = %v", err)
	}
	if got != filepath.Join(home, "config.yaml") {
		t.Errorf("ExpandHome() = %q", got)
	}

	// Paths without the shorthand pass through untouched.
	got, err = ExpandHome("/tmp/x")
	if err != nil || got != "/tmp/x" {
		t.Errorf("ExpandHome(/tmp/x) = %q, %v", got, err)
	}
}
