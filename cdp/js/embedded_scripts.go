// Package js provides the scripts evaluated inside driven pages.
package js

import (
	_ "embed"
)

// RunnerScript installs the in-page program runner. It is evaluated on
// every new document and once on attach for the current one.
//
//go:embed runner.js
var RunnerScript string
