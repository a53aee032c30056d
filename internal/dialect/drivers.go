package dialect

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQL Server error numbers that mean the session is gone.
var sqlServerDisconnects = map[int32]bool{
	233:   true, // no process is on the other end of the pipe
	10053: true, // connection aborted by the host
	10054: true, // connection reset by peer
	10060: true, // connection timed out
	4060:  true, // cannot open database
	40613: true, // database not currently available
	40197: true, // service error processing the request
	40501: true, // service is busy
	596:   true, // session is in the kill state
}

// SQLServer is the dialect for github.com/microsoft/go-mssqldb.
func SQLServer() *Dialect {
	return &Dialect{
		name:      "sqlserver",
		pingQuery: "SELECT 1",
		disconnect: func(err error) bool {
			var me mssql.Error
			if errors.As(err, &me) {
				return sqlServerDisconnects[me.Number]
			}
			return false
		},
	}
}

// postgresDisconnect matches connection exceptions (class 08) and the
// admin/crash/cannot-connect shutdown codes.
func postgresDisconnect(code string) bool {
	if strings.HasPrefix(code, "08") {
		return true
	}
	switch code {
	case "57P01", "57P02", "57P03":
		return true
	}
	return false
}

// Postgres is the dialect for github.com/lib/pq.
func Postgres() *Dialect {
	return &Dialect{
		name:      "postgres",
		pingQuery: "SELECT 1",
		disconnect: func(err error) bool {
			var pe *pq.Error
			if errors.As(err, &pe) {
				return postgresDisconnect(string(pe.Code))
			}
			return false
		},
	}
}

// PostgresAsync is the dialect for connections served by the pgx adapter.
func PostgresAsync() *Dialect {
	return &Dialect{
		name:      "postgres+pgx",
		pingQuery: "SELECT 1",
		disconnect: func(err error) bool {
			var pe *pgconn.PgError
			if errors.As(err, &pe) {
				return postgresDisconnect(pe.Code)
			}
			var ce *pgconn.ConnectError
			return errors.As(err, &ce)
		},
	}
}

// MySQL server errors that mean the session is gone: server has gone away,
// lost connection, server shutdown, connection killed.
var mysqlDisconnects = map[uint16]bool{
	2006: true,
	2013: true,
	2014: true,
	2045: true,
	2055: true,
	1053: true,
	1927: true,
	4031: true,
}

// MySQL is the dialect for github.com/go-sql-driver/mysql.
func MySQL() *Dialect {
	return &Dialect{
		name:      "mysql",
		pingQuery: "SELECT 1",
		disconnect: func(err error) bool {
			if errors.Is(err, mysql.ErrInvalidConn) {
				return true
			}
			var me *mysql.MySQLError
			if errors.As(err, &me) {
				return mysqlDisconnects[me.Number]
			}
			return false
		},
	}
}

// SQLite is the dialect for modernc.org/sqlite. A file that became
// unreadable is treated as a disconnect.
func SQLite() *Dialect {
	return &Dialect{
		name:      "sqlite",
		pingQuery: "SELECT 1",
		disconnect: func(err error) bool {
			var se *sqlite.Error
			if !errors.As(err, &se) {
				return false
			}
			switch se.Code() & 0xff {
			case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
				return true
			}
			return false
		},
	}
}
