// SPDX-License-Identifier: MIT

// Package version carries build identity, populated via ldflags.
package version

var (
	// Version is the release tag, overridden by the build system.
	Version = "v0.3.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
