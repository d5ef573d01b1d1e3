package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_CapturesOutput(t *testing.T) {
	r := NewExecRunner(time.Minute, nil)
	out, err := r.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", out.Stdout)
	assert.Equal(t, "err\n", out.Stderr)
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	r := NewExecRunner(time.Minute, nil)
	_, err := r.Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")

	var execErr *ToolExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "sh", execErr.Tool)
	assert.Equal(t, "broken\n", execErr.Stderr)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestExecRunner_Timeout(t *testing.T) {
	r := NewExecRunner(50*time.Millisecond, nil)
	start := time.Now()
	_, err := r.Run(context.Background(), "sleep", "5")
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := NewExecRunner(0, nil)
	_, err := r.Run(context.Background(), "mongokeeper-no-such-binary")
	var execErr *ToolExecutionError
	require.True(t, errors.As(err, &execErr))
}
