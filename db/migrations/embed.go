// Package dbmigrations exposes embedded SQL migrations for Tempora binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Tempora binaries.
//
//go:embed *.sql
var Files embed.FS
