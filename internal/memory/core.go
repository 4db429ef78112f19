package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// coreMemoryLimit bounds the rendered scratchpad. Core memory rides in
// every system prompt, so it stays small by construction.
const coreMemoryLimit = 2000

// CoreMemory is the agent's persistent scratchpad: a handful of named
// sections injected into every context build. It is stored as a
// markdown file with one "## section" heading per section.
type CoreMemory struct {
	mu       sync.Mutex
	path     string
	sections map[string]string
	order    []string
}

// NewCoreMemory loads the scratchpad from path, starting empty when
// the file does not exist yet.
func NewCoreMemory(path string) (*CoreMemory, error) {
	c := &CoreMemory{path: path, sections: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("load core memory: %w", err)
	}
	c.parse(string(data))
	return c, nil
}

func (c *CoreMemory) parse(data string) {
	var current string
	var body []string
	flush := func() {
		if current == "" {
			return
		}
		c.sections[current] = strings.TrimSpace(strings.Join(body, "\n"))
		c.order = append(c.order, current)
		body = body[:0]
	}
	for _, line := range strings.Split(data, "\n") {
		if name, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			current = strings.TrimSpace(name)
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()
}

// Read returns one section's content, or every section rendered when
// section is empty. Missing sections read as empty strings.
func (c *CoreMemory) Read(section string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if section == "" {
		return c.renderLocked()
	}
	return c.sections[section]
}

// Sections lists section names in insertion order.
func (c *CoreMemory) Sections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// IsEmpty reports whether nothing has been stored.
func (c *CoreMemory) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sections) == 0
}

// Update replaces a section's content, creating the section if
// needed. The write is rejected when it would push the rendered
// scratchpad over the limit, so the caller can trim instead.
func (c *CoreMemory) Update(section, content string) error {
	section = strings.TrimSpace(section)
	if section == "" {
		return fmt.Errorf("section name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.sections[section]
	c.sections[section] = strings.TrimSpace(content)
	if !existed {
		c.order = append(c.order, section)
	}

	if size := len(c.renderLocked()); size > coreMemoryLimit {
		if existed {
			c.sections[section] = prev
		} else {
			delete(c.sections, section)
			c.order = c.order[:len(c.order)-1]
		}
		return fmt.Errorf("core memory would grow to %d characters (limit %d); trim a section first", size, coreMemoryLimit)
	}
	return c.persistLocked()
}

// Append adds content to the end of a section, separated by a
// newline.
func (c *CoreMemory) Append(section, content string) error {
	existing := c.Read(section)
	if existing == "" {
		return c.Update(section, content)
	}
	return c.Update(section, existing+"\n"+strings.TrimSpace(content))
}

// Delete removes a section entirely.
func (c *CoreMemory) Delete(section string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sections[section]; !ok {
		return nil
	}
	delete(c.sections, section)
	for i, name := range c.order {
		if name == section {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return c.persistLocked()
}

// Render returns the full scratchpad as markdown for prompt
// injection.
func (c *CoreMemory) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renderLocked()
}

func (c *CoreMemory) renderLocked() string {
	if len(c.sections) == 0 {
		return ""
	}
	names := c.order
	if len(names) != len(c.sections) {
		// Order drifted from the map (should not happen); rebuild.
		names = make([]string, 0, len(c.sections))
		for name := range c.sections {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	var b strings.Builder
	for _, name := range names {
		content, ok := c.sections[name]
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(name)
		b.WriteString("\n")
		b.WriteString(content)
	}
	return b.String()
}

func (c *CoreMemory) persistLocked() error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("persist core memory: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(c.renderLocked()+"\n"), 0o644); err != nil {
		return fmt.Errorf("persist core memory: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist core memory: %w", err)
	}
	return nil
}
