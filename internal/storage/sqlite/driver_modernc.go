//go:build !mattn

package sqlite

import (
	"errors"
	"fmt"
	"net/url"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// driverName is the database/sql driver registered by modernc.org/sqlite.
const driverName = "sqlite"

// buildDSN encodes the pragmas as _pragma query parameters; the driver runs
// them on every new connection, so reconnects are configured identically.
func buildDSN(path string, memory bool, p connParams) string {
	q := url.Values{}
	if p.readOnly && !memory {
		q.Set("mode", "ro")
	}
	if p.busyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", p.busyTimeout.Milliseconds()))
	}
	for _, pragma := range p.pragmas {
		q.Add("_pragma", fmt.Sprintf("%s(%s)", pragma.Name, pragma.Value))
	}
	if p.queryOnly {
		q.Add("_pragma", "query_only(1)")
	}
	if p.immediate {
		q.Set("_txlock", "immediate")
	}
	return uriPath(path, memory) + "?" + q.Encode()
}

// isUnavailable reports whether err means the database file itself could
// not be opened or created, as opposed to a misbehaving database.
func isUnavailable(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_PERM, sqlite3.SQLITE_READONLY:
		return true
	}
	return false
}

// isBusy reports whether err means another connection holds a conflicting lock.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
