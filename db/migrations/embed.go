// Package dbmigrations exposes embedded SQL migrations for strata binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into strata binaries.
//
//go:embed *.sql
var Files embed.FS
