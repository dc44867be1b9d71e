package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRootCmdRegistersSubcommands(t *testing.T) {
	root := buildRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.ElementsMatch(t, []string{"serve", "chat", "status", "memory"}, names)
}

func TestBuildMemoryCmdRegistersGC(t *testing.T) {
	memCmd := buildMemoryCmd()
	gc, _, err := memCmd.Find([]string{"gc"})
	assert.NoError(t, err)
	assert.Equal(t, "gc", gc.Name())
}

func TestDefaultConfigPathFallsBackWhenUnset(t *testing.T) {
	t.Setenv("LOOM_CONFIG", "")
	assert.Equal(t, "loom.yaml", defaultConfigPath())
}

func TestDefaultConfigPathHonorsEnv(t *testing.T) {
	t.Setenv("LOOM_CONFIG", "/etc/loom/custom.yaml")
	assert.Equal(t, "/etc/loom/custom.yaml", defaultConfigPath())
}
