package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formulabench/internal/config"
)

const formulasCUE = `
package formulas

formula: sum: {
	name: "Sum"
	inputs: [
		{name: "a", base: "number"},
		{name: "b", base: "number"},
	]
	body: "a + b"
}

formula: discount: {
	name:        "Discounted price"
	description: "Price after a fractional discount"
	inputs: [
		{name: "price", base: "number", default: 100},
		{name: "rate", base: "number", default: 0.25, constraints: {min: 0, max: 1}},
	]
	body: "price * (1 - rate)"
}

formula: guard: {
	name: "Guarded double"
	inputs: [{name: "x", base: "number"}]
	body: "x < 0 ? fail(\"negative input\") : x * 2"
}
`

// testRootOptions returns root options as PersistentPreRunE would leave
// them with no config file.
func testRootOptions(format string) *RootOptions {
	return &RootOptions{Format: format, Config: config.DefaultConfig()}
}

// writeFormulas writes the standard formulas into a fresh directory.
func writeFormulas(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "formulas.cue"), formulasCUE)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// execute runs cmd with args and returns its stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
