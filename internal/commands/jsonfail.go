package commands

import (
	"errors"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/colonyops/triage/pkg/iojson"
)

// failJSON reports err as a JSON error body on w and exits non-zero without
// printing the message a second time.
func failJSON(w io.Writer, err error, data map[string]any) error {
	if werr := iojson.WriteError(w, err, data); werr != nil {
		return errors.Join(err, werr)
	}
	return cli.Exit("", 1)
}
