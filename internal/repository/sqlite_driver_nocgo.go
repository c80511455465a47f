//go:build nocgo

package repository

// The nocgo build uses modernc.org/sqlite, a pure-Go driver, for
// CGO-less cross-compilation (e.g. containers without a C toolchain).
import _ "modernc.org/sqlite"

const sqlDriverName = "sqlite"
