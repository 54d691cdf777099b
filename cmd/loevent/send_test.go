package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asungur/loevent"
)

func TestRunSendToConsole(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stdin := strings.NewReader("{\"event\":\"answer\",\"value\":1}\n{\"value\":2}\n")
	var stdout bytes.Buffer
	err := runSend(ctx, []string{
		"--source", "cli",
		"--version", "1.0.0",
		"--queue-type", "memory",
		"--linger", "5s",
	}, stdin, &stdout)
	require.NoError(t, err)

	var types []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		var e loevent.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		types = append(types, e.Type())
	}
	assert.Equal(t, []string{loevent.EventLockFields, loevent.EventLockFields, "answer", "line"}, types)
}

func TestRunSendRequiresSource(t *testing.T) {
	err := runSend(context.Background(), []string{"--queue-type", "memory"}, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorIs(t, err, loevent.ErrMissingSource)
}

func TestPipelineFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loevent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source: app\nqueue_type: sqlite\nqueue_name: from-file\n"), 0o644))

	var common pipelineFlags
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	common.add(flagSet)
	require.NoError(t, flagSet.Parse([]string{"--config", path, "--queue-type", "memory"}))

	cfg, err := common.load(flagSet)
	require.NoError(t, err)
	assert.Equal(t, "app", cfg.Source)
	assert.Equal(t, "memory", cfg.QueueType)
	assert.Equal(t, "from-file", cfg.QueueName)
}
