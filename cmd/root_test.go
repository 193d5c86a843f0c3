package cmd

import (
	"bytes"
	"testing"

	"github.com/endorses/flowscope/cmd/analyze"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		contains []string
	}{
		{
			name:     "Help flag",
			args:     []string{"--help"},
			contains: []string{"reassembles IPv4 and TCP", "analyze"},
		},
		{
			name:     "Analyze help",
			args:     []string{"analyze", "--help"},
			contains: []string{"--read-file", "--nats-url", "--write-rejected"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			rootCmd.SetOut(&buf)
			rootCmd.SetErr(&buf)
			rootCmd.SetArgs(tt.args)

			require.NoError(t, rootCmd.Execute())
			for _, want := range tt.contains {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestRootCommand_AnalyzeRequiresFile(t *testing.T) {
	// Flag values survive between Execute calls.
	if f := analyze.AnalyzeCmd.Flags().Lookup("help"); f != nil {
		require.NoError(t, f.Value.Set("false"))
	}

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs([]string{"analyze"})

	assert.Error(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "read-file")
}
