// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package scaler

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

type Opts struct {
	logger   *slog.Logger
	clock    clock.Clock
	interval time.Duration
	policy   Policy
	upper    float64
	lower    float64
}

// DefaultOpts returns the default scaler options
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		interval: 100 * time.Millisecond,
		policy:   PolicyStep,
		upper:    70,
		lower:    30,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Scaler
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock the Scaler samples and sleeps with
func WithClock(c clock.Clock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithInterval sets the sampling interval
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithPolicy sets the scaling policy
func WithPolicy(p Policy) OptionFn {
	return func(o *Opts) {
		o.policy = p
	}
}

// WithThresholds sets the upper and lower thresholds in percent
func WithThresholds(upper, lower float64) OptionFn {
	return func(o *Opts) {
		o.upper = upper
		o.lower = lower
	}
}
