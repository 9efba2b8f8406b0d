//go:build cgo

package sessions

import (
	_ "github.com/mattn/go-sqlite3"
)
