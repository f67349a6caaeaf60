package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	t.Run("nil error is success", func(t *testing.T) {
		assert.Equal(t, 0, ExitCode(context.Background(), nil))
	})

	t.Run("cancelled context is a signal interrupt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Equal(t, 2, ExitCode(ctx, errors.New("boom")))
	})

	t.Run("missing helper binary", func(t *testing.T) {
		err := errors.New(`exec: "dpkg": executable file not found in $PATH`)
		assert.Equal(t, 127, ExitCode(context.Background(), err))
	})

	t.Run("other errors are a generic failure", func(t *testing.T) {
		assert.Equal(t, 1, ExitCode(context.Background(), errors.New("boom")))
	})
}

func TestIsExecNotFound(t *testing.T) {
	assert.True(t, isExecNotFound(errors.New(`exec: "dpkg": executable file not found in $PATH`)))
	assert.False(t, isExecNotFound(errors.New("some other error")))
}
