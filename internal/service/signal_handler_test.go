// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalHandlerRun(t *testing.T) {
	t.Run("returns when context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sh := NewSignalHandler(nil, syscall.SIGUSR1)

		errCh := make(chan error)
		go func() {
			errCh <- sh.Run(ctx)
		}()

		cancel()

		select {
		case err := <-errCh:
			assert.Equal(t, context.Canceled, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after context cancellation")
		}
	})

	t.Run("returns nil on signal", func(t *testing.T) {
		sh := NewSignalHandler(nil, syscall.SIGUSR2)
		assert.Equal(t, "signal-handler", sh.Name())

		errCh := make(chan error, 1)
		go func() {
			errCh <- sh.Run(context.Background())
		}()

		// give Run time to install the handler
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR2))

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after the signal")
		}
	})
}
