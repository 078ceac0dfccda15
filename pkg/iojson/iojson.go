// Package iojson reads and writes the JSON that commands exchange with
// scripts when run with --json or a JSON input file.
package iojson

import (
	"encoding/json"
	"fmt"
	"io"
)

// ErrorBody is printed in place of a result when a command fails in JSON
// mode.
type ErrorBody struct {
	Error string         `json:"error"`
	Data  map[string]any `json:"data,omitempty"`
}

// marshalFailure builds an ErrorBody by hand for values json cannot encode.
func marshalFailure(what string, cause error) string {
	msg, _ := json.Marshal(what)
	detail, _ := json.Marshal(cause.Error())
	return fmt.Sprintf(`{"error":%s,"data":{"json_error":%s}}`, msg, detail)
}

// WriteWith writes obj to w as indented JSON. When obj cannot be encoded an
// ErrorBody describing the failure goes to ew instead.
func WriteWith(w io.Writer, ew io.Writer, obj any) error {
	bits, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		_, werr := fmt.Fprintln(ew, marshalFailure("cannot encode output", err))
		return werr
	}

	_, err = fmt.Fprintln(w, string(bits))
	return err
}

// WriteError writes err and optional context as an ErrorBody to w.
func WriteError(w io.Writer, err error, data map[string]any) error {
	body := ErrorBody{Error: err.Error(), Data: data}

	bits, merr := json.MarshalIndent(body, "", "  ")
	if merr != nil {
		_, werr := fmt.Fprintln(w, marshalFailure(err.Error(), merr))
		return werr
	}

	_, werr := fmt.Fprintln(w, string(bits))
	return werr
}
