package memory

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCoreMemory_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core_memory.md")

	c, err := NewCoreMemory(path)
	if err != nil {
		t.Fatalf("NewCoreMemory error: %v", err)
	}
	if !c.IsEmpty() {
		t.Error("fresh core memory not empty")
	}

	if err := c.Update("user", "Name: Alice\nTimezone: CET"); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if err := c.Update("projects", "conduit: agent runtime"); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	reloaded, err := NewCoreMemory(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if got := reloaded.Read("user"); got != "Name: Alice\nTimezone: CET" {
		t.Errorf("Read(user) = %q", got)
	}
	if got := reloaded.Sections(); len(got) != 2 || got[0] != "user" || got[1] != "projects" {
		t.Errorf("Sections = %v, want [user projects]", got)
	}

	rendered := reloaded.Render()
	if !strings.Contains(rendered, "## user") || !strings.Contains(rendered, "## projects") {
		t.Errorf("Render missing headings: %q", rendered)
	}
}

func TestCoreMemory_Append(t *testing.T) {
	c, err := NewCoreMemory(filepath.Join(t.TempDir(), "core.md"))
	if err != nil {
		t.Fatalf("NewCoreMemory error: %v", err)
	}
	if err := c.Append("notes", "first"); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if err := c.Append("notes", "second"); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if got := c.Read("notes"); got != "first\nsecond" {
		t.Errorf("Read(notes) = %q, want %q", got, "first\nsecond")
	}
}

func TestCoreMemory_EnforcesLimit(t *testing.T) {
	c, err := NewCoreMemory(filepath.Join(t.TempDir(), "core.md"))
	if err != nil {
		t.Fatalf("NewCoreMemory error: %v", err)
	}
	if err := c.Update("user", "Name: Alice"); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	huge := strings.Repeat("x", coreMemoryLimit+1)
	if err := c.Update("notes", huge); err == nil {
		t.Fatal("oversized update accepted")
	}

	// The rejected write must not leave partial state behind.
	if got := c.Read("notes"); got != "" {
		t.Errorf("Read(notes) = %q, want empty after rejection", got)
	}
	if got := c.Read("user"); got != "Name: Alice" {
		t.Errorf("Read(user) = %q, want intact", got)
	}
	if got := len(c.Sections()); got != 1 {
		t.Errorf("Sections count = %d, want 1", got)
	}
}

func TestCoreMemory_Delete(t *testing.T) {
	c, err := NewCoreMemory(filepath.Join(t.TempDir(), "core.md"))
	if err != nil {
		t.Fatalf("NewCoreMemory error: %v", err)
	}
	if err := c.Update("scratch", "temp"); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if err := c.Delete("scratch"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if !c.IsEmpty() {
		t.Error("core memory not empty after delete")
	}
}
