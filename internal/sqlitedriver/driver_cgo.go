//go:build cgo_sqlite

package sqlitedriver

import (
	_ "github.com/mattn/go-sqlite3"
)

// Name selects the cgo-backed mattn/go-sqlite3 driver when built with
// -tags cgo_sqlite, grounded on the teacher's internal/architect/state.go
// (its only caller of this driver), for deployments where a C toolchain is
// available and the faster cgo driver is preferred over the pure-Go default.
const Name = "sqlite3"
