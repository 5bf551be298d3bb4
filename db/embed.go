// Package db provides embedded database migrations and seed data.
package db

import "embed"

// Migrations holds the versioned golang-migrate files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations that holds the files.
const MigrationsDir = "migrations"

// Products is the catalog loaded by seed-db.
//
//go:embed seed/products.json
var Products []byte
