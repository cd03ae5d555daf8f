package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSelftest(t *testing.T) {
	out, err := execute(t, "selftest", "--size", "1M", "--namespaces", "2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "selftest passed")
}

func TestSelftestFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvmft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port:
  subnqn: nqn.2024-01.io.example:cli
  termination_grace: 1s
namespaces:
  - id: 4
    size: 2M
    block_size: 4096
log:
  level: warn
`), 0o600))

	out, err := execute(t, "selftest", "--config", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "selftest passed")
}

func TestInvalidConfigRejected(t *testing.T) {
	t.Setenv("NVMFT_PORT_MAX_CONTROLLERS", "0")
	_, err := execute(t, "selftest")
	assert.Error(t, err)
}

func TestNextNSID(t *testing.T) {
	assert.Equal(t, uint32(1), nextNSID(nil))
	assert.Equal(t, uint32(8), nextNSID([]uint32{2, 7}))
}
