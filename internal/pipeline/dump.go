package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dumper writes each stage's artifact as JSON under
// <root>/<ticket>/<run>/. An empty root disables it.
type Dumper struct {
	root string
}

// NewDumper creates a dumper rooted at dir.
func NewDumper(dir string) *Dumper {
	return &Dumper{root: dir}
}

// Dir returns the directory used for a run.
func (d *Dumper) Dir(ticketID, runID string) string {
	if d == nil || d.root == "" {
		return ""
	}
	return filepath.Join(d.root, safeName(ticketID), safeName(runID))
}

// Write stores v as <name>.json.
func (d *Dumper) Write(ticketID, runID, name string, v any) error {
	dir := d.Dir(ticketID, runID)
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	bits, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), bits, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
