//go:build libsql

package db

import (
	_ "github.com/tursodatabase/go-libsql"

	"github.com/mechcat/partsync/internal/replica/store"
)

// LibSQLDriver is the embedded libSQL driver, available with -tags libsql.
const LibSQLDriver = "libsql"

func init() {
	drivers[LibSQLDriver] = driverInfo{dsn: libsqlDSN, execPragmas: true}
}

// libsqlDSN takes no query parameters; pragmas are applied after open.
func libsqlDSN(path string, _ store.Options) string {
	return "file:" + path
}
