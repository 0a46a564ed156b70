// Package dbmigrations exposes embedded SQL migrations for ordersync binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into ordersync binaries.
//
//go:embed *.sql
var Files embed.FS
