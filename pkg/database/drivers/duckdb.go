//go:build cgo && duckdb && (linux || darwin || windows) && (amd64 || arm64)

// DuckDB needs CGO, so the driver only registers with the duckdb build tag:
//
//	CGO_ENABLED=1 go build -tags duckdb -o dbfix
package drivers

import (
	_ "github.com/marcboeker/go-duckdb"
)
