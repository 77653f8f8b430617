// Package db provides the embedded database schema and seed catalog.
package db

import _ "embed"

// Schema contains the DDL statements for all engine tables. Every statement
// is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string

// SeedCatalog is the demo catalog loaded by cmd/seed-db.
//
//go:embed seed/catalog.json
var SeedCatalog []byte
