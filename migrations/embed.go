package migrations

import "embed"

// Files exposes embedded SQL migration files ordered lexicographically, one
// directory per dialect (postgres/, sqlite/).
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
