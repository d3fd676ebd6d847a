package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadfunnel/internal/config"
	"github.com/sells-group/leadfunnel/internal/funnel"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "migrate", "flow"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "leadfunnel", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestFlowCommand_Flags(t *testing.T) {
	flag := flowCmd.Flags().Lookup("file")
	require.NotNil(t, flag, "flow command should have --file flag")
	assert.Equal(t, "", flag.DefValue)
}

func TestFlowCommand_PrintsDefaultFlow(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{}

	var out bytes.Buffer
	flowCmd.SetOut(&out)
	t.Cleanup(func() { flowCmd.SetOut(nil) })

	require.NoError(t, flowCmd.RunE(flowCmd, nil))
	assert.Equal(t, funnel.DefaultFlow().String(), out.String())
	assert.Contains(t, out.String(), "capital")
}

func TestLoadFlow(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		flow, err := loadFlow(config.FunnelConfig{})
		require.NoError(t, err)
		assert.Equal(t, funnel.DefaultFlow().Steps(), flow.Steps())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadFlow(config.FunnelConfig{FlowPath: filepath.Join(t.TempDir(), "nope.yaml")})
		assert.Error(t, err)
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "flow.yaml")
		require.NoError(t, os.WriteFile(path, []byte("funnel:\n  questions: []\n"), 0o600))
		_, err := loadFlow(config.FunnelConfig{FlowPath: path})
		assert.Error(t, err)
	})
}
