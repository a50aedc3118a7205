//go:build !test

package main

import "dbfix/pkg/database/drivers"

func init() {
	// Touch the drivers package so its init functions register SQL
	// backends before any command opens a connection.
	drivers.Ready()
}
