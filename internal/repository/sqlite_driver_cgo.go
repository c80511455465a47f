//go:build !nocgo

package repository

// The cgo build uses mattn/go-sqlite3. Build with -tags nocgo to use
// the pure-Go modernc.org/sqlite driver instead (see
// sqlite_driver_nocgo.go).
import _ "github.com/mattn/go-sqlite3"

const sqlDriverName = "sqlite3"
