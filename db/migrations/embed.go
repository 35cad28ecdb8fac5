// Package dbmigrations exposes embedded SQL migrations for tradelink binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tradelink binaries.
//
//go:embed *.sql
var Files embed.FS
