// Package db embeds the SQL schema of the optional Postgres storage.
package db

import _ "embed"

// Schema creates the object tier and catalog mirror tables. It is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
