//go:build !cgo_sqlite

// Package sqlitedriver picks which SQLite driver internal/audit and
// internal/overlay register with database/sql, so the choice lives in one
// place instead of being hardcoded at every sql.Open call site.
package sqlitedriver

import (
	_ "modernc.org/sqlite"
)

// Name is the database/sql driver name to pass to sql.Open. The default
// build uses modernc.org/sqlite, a pure-Go driver requiring no C toolchain,
// matching the teacher's own internal/state/db.go default.
const Name = "sqlite"
