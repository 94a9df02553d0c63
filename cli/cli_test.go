package cli_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/grantjenks/go-durable"
	"github.com/grantjenks/go-durable/cli"
)

func TestCommandTree(t *testing.T) {
	root := cli.New(durable.NewRegistry())
	got := map[string]bool{}
	for _, c := range root.Commands() {
		got[c.Name()] = true
	}
	for _, want := range []string{"worker", "start", "signal", "cancel", "status", "migrate"} {
		assert.True(t, got[want], "missing command %q", want)
	}
}

func TestStatusRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	root := cli.New(durable.NewRegistry())
	root.SetArgs([]string{"status", "5a0ddbb2-4cb9-4f6a-9df9-5f15c2da0001"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL")
}
