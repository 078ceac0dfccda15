package doctor

import (
	"context"
	"os/exec"
)

// lookPathFunc is the function used to find executables on PATH.
// Package-level variable to allow test overrides.
var lookPathFunc = exec.LookPath

// Tool is an external executable a collector or the resolver shells out to.
type Tool struct {
	Name     string // label shown in the report
	Path     string // executable name or path
	Required bool
	Purpose  string // shown when an optional tool is missing
}

// ToolsCheck verifies that external tools are available on $PATH.
type ToolsCheck struct {
	tools []Tool
}

// NewToolsCheck creates a new tools check.
func NewToolsCheck(tools []Tool) *ToolsCheck {
	return &ToolsCheck{tools: tools}
}

func (c *ToolsCheck) Name() string {
	return "Dependencies"
}

func (c *ToolsCheck) Run(_ context.Context) Result {
	result := Result{Name: c.Name()}

	for _, tool := range c.tools {
		path, err := lookPathFunc(tool.Path)
		switch {
		case err == nil:
			result.Items = append(result.Items, CheckItem{
				Label:  tool.Name,
				Status: StatusPass,
				Detail: path,
			})
		case tool.Required:
			result.Items = append(result.Items, CheckItem{
				Label:  tool.Name,
				Status: StatusFail,
				Detail: tool.Path + " not found on PATH",
			})
		default:
			detail := tool.Path + " not found on PATH"
			if tool.Purpose != "" {
				detail += " (required for " + tool.Purpose + ")"
			}
			result.Items = append(result.Items, CheckItem{
				Label:  tool.Name,
				Status: StatusWarn,
				Detail: detail,
			})
		}
	}

	return result
}
