package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/urfave/cli/v2"
)

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	// Keep cli.Exit from terminating the test binary.
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run(append([]string{"facilitator"}, args...))
	return out.String(), err
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("failed to encode response: %v", err)
	}
}
