// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// named is the bare Service
type named string

func (n named) Name() string { return string(n) }

type initHook struct {
	initErr error
	inits   int
}

func (h *initHook) Init() error {
	h.inits++
	return h.initErr
}

type runHook struct {
	run  func(ctx context.Context) error
	runs int
}

func (h *runHook) Run(ctx context.Context) error {
	h.runs++
	if h.run == nil {
		return nil
	}
	return h.run(ctx)
}

type shutdownHook struct {
	shutdown  func() error
	shutdowns int
}

func (h *shutdownHook) Shutdown() error {
	h.shutdowns++
	if h.shutdown == nil {
		return nil
	}
	return h.shutdown()
}

// fakeHost is set up once and released at exit, like the register host.
type fakeHost struct {
	named
	initHook
	shutdownHook
}

// fakeLoop runs until cancelled, like the scaler or an exporter.
type fakeLoop struct {
	named
	runHook
	shutdownHook
}

type fakeSetup struct {
	named
	initHook
}

type fakeTask struct {
	named
	runHook
}

var (
	_ Service = named("")

	_ Initializer = (*fakeHost)(nil)
	_ Shutdowner  = (*fakeHost)(nil)
	_ Runner      = (*fakeLoop)(nil)
	_ Shutdowner  = (*fakeLoop)(nil)
	_ Initializer = (*fakeSetup)(nil)
	_ Runner      = (*fakeTask)(nil)
)
