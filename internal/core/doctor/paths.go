package doctor

import (
	"context"
	"fmt"
	"os"
)

// Path is a configured filesystem location.
type Path struct {
	Label string
	Path  string
	Dir   bool
	// Create marks directories triage creates on first use; a missing one
	// is a fixable warning instead of a failure.
	Create bool
}

// PathsCheck verifies that configured paths exist with the expected type.
type PathsCheck struct {
	paths []Path
}

// NewPathsCheck creates a new paths check. Entries with an empty path are
// reported as not configured.
func NewPathsCheck(paths []Path) *PathsCheck {
	return &PathsCheck{paths: paths}
}

func (c *PathsCheck) Name() string {
	return "Paths"
}

func (c *PathsCheck) Run(_ context.Context) Result {
	result := Result{Name: c.Name()}

	for _, p := range c.paths {
		if p.Path == "" {
			result.Items = append(result.Items, CheckItem{
				Label:  p.Label,
				Status: StatusPass,
				Detail: "not configured",
			})
			continue
		}

		info, err := os.Stat(p.Path)
		switch {
		case os.IsNotExist(err) && p.Create:
			result.Items = append(result.Items, CheckItem{
				Label:   p.Label,
				Status:  StatusWarn,
				Detail:  p.Path + " does not exist, will be created",
				Fixable: true,
			})
		case os.IsNotExist(err):
			result.Items = append(result.Items, CheckItem{
				Label:  p.Label,
				Status: StatusFail,
				Detail: p.Path + " does not exist",
			})
		case err != nil:
			result.Items = append(result.Items, CheckItem{
				Label:  p.Label,
				Status: StatusFail,
				Detail: fmt.Sprintf("inaccessible: %v", err),
			})
		case p.Dir && !info.IsDir():
			result.Items = append(result.Items, CheckItem{
				Label:  p.Label,
				Status: StatusFail,
				Detail: p.Path + " is not a directory",
			})
		case !p.Dir && info.IsDir():
			result.Items = append(result.Items, CheckItem{
				Label:  p.Label,
				Status: StatusFail,
				Detail: p.Path + " is a directory, not a file",
			})
		default:
			result.Items = append(result.Items, CheckItem{
				Label:  p.Label,
				Status: StatusPass,
				Detail: p.Path,
			})
		}
	}

	return result
}

// Fix creates the missing directories marked Create.
func (c *PathsCheck) Fix() error {
	for _, p := range c.paths {
		if !p.Dir || !p.Create || p.Path == "" {
			continue
		}
		if err := os.MkdirAll(p.Path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p.Label, err)
		}
	}
	return nil
}
