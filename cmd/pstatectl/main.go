// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	c := newCLI(os.Stdout, os.Stderr)
	if err := c.run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pstatectl: %v\n", err)
		os.Exit(1)
	}
}
