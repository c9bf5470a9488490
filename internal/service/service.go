// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package service sequences the daemon's parts: the register host, the
// scaler and the exporters. Each part implements Service plus whichever
// lifecycle interfaces below it needs; Init, Run and Shutdown discover them
// by type assertion.
package service

import "context"

// Service is anything the daemon starts. Name appears in logs and in the
// error returned when Init fails.
type Service interface {
	Name() string
}

// Initializer is implemented by services that must acquire something before
// the runners start, such as opening the MSR and PCI devices or claiming a
// counter slot.
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services with a loop of their own.
//
// Run blocks until ctx is done or the service fails. Runners execute on
// separate goroutines, so any state one of them exposes to another (the
// scaler's requested P-states read by the exporters, for instance) must be
// safe for concurrent use.
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services holding resources. Shutdown may be
// called without a prior Run, and on a service whose Init never ran.
type Shutdowner interface {
	Service
	Shutdown() error
}
