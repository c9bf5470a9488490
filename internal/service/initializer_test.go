// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Run("initializes every initializer once", func(t *testing.T) {
		host := &fakeHost{named: "msr-host"}
		slot := &fakeSetup{named: "counter-slot"}

		require.NoError(t, Init(nil, []Service{host, named("plain"), slot}))
		assert.Equal(t, 1, host.inits)
		assert.Equal(t, 1, slot.inits)
		assert.Zero(t, host.shutdowns)
	})

	t.Run("failure releases what was initialized", func(t *testing.T) {
		initErr := errors.New("permission denied")
		host := &fakeHost{named: "msr-host"}
		scaler := &fakeHost{named: "scaler", initHook: initHook{initErr: initErr}}
		exporter := &fakeHost{named: "prometheus"}

		err := Init(nil, []Service{host, scaler, exporter})
		assert.ErrorIs(t, err, initErr)
		assert.ErrorContains(t, err, "failed to initialize service scaler")

		assert.Equal(t, 1, host.inits)
		assert.Equal(t, 1, host.shutdowns)
		// a failed Init is not followed by Shutdown
		assert.Equal(t, 1, scaler.inits)
		assert.Zero(t, scaler.shutdowns)
		assert.Zero(t, exporter.inits)
		assert.Zero(t, exporter.shutdowns)
	})

	t.Run("shutdown error does not replace the init error", func(t *testing.T) {
		initErr := errors.New("no slot")
		shutdownErr := errors.New("device busy")
		host := &fakeHost{named: "msr-host", shutdownHook: shutdownHook{
			shutdown: func() error { return shutdownErr },
		}}
		slot := &fakeHost{named: "counter-slot", initHook: initHook{initErr: initErr}}

		err := Init(nil, []Service{host, slot})
		assert.ErrorIs(t, err, initErr)
		assert.NotErrorIs(t, err, shutdownErr)
		assert.Equal(t, 1, host.shutdowns)
	})

	t.Run("initializers without Shutdown are skipped on cleanup", func(t *testing.T) {
		initErr := errors.New("unsupported family")
		first := &fakeSetup{named: "first"}
		second := &fakeSetup{named: "second", initHook: initHook{initErr: initErr}}

		assert.ErrorIs(t, Init(nil, []Service{first, second}), initErr)
		assert.Equal(t, 1, first.inits)
	})

	t.Run("no services", func(t *testing.T) {
		assert.NoError(t, Init(nil, nil))
	})
}

func TestShutdown(t *testing.T) {
	var order []string
	record := func(name string) shutdownHook {
		return shutdownHook{shutdown: func() error {
			order = append(order, name)
			return nil
		}}
	}

	t.Run("shuts down in reverse order", func(t *testing.T) {
		order = nil
		host := &fakeHost{named: "host", shutdownHook: record("host")}
		scaler := &fakeLoop{named: "scaler", shutdownHook: record("scaler")}

		Shutdown(nil, []Service{host, named("plain"), scaler})
		assert.Equal(t, []string{"scaler", "host"}, order)
		assert.Zero(t, scaler.runs)
	})

	t.Run("failed init releases earlier services last first", func(t *testing.T) {
		order = nil
		first := &fakeHost{named: "first", shutdownHook: record("first")}
		second := &fakeHost{named: "second", shutdownHook: record("second")}
		bad := &fakeHost{
			named:        "bad",
			initHook:     initHook{initErr: errors.New("no slot")},
			shutdownHook: record("bad"),
		}

		err := Init(nil, []Service{first, second, bad})
		assert.ErrorContains(t, err, "failed to initialize service bad")
		assert.Equal(t, []string{"second", "first"}, order)
	})

	t.Run("errors do not stop the remaining shutdowns", func(t *testing.T) {
		order = nil
		a := &fakeHost{named: "a", shutdownHook: record("a")}
		b := &fakeHost{named: "b", shutdownHook: shutdownHook{
			shutdown: func() error { return errors.New("busy") },
		}}

		Shutdown(nil, []Service{a, b})
		assert.Equal(t, []string{"a"}, order)
		assert.Equal(t, 1, b.shutdowns)
	})
}
