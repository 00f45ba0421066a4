//go:build mattn

package sqlite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// driverName is the database/sql driver registered by github.com/mattn/go-sqlite3.
const driverName = "sqlite3"

// mattnParams maps pragma names to the DSN parameters go-sqlite3 applies on
// every new connection.
var mattnParams = map[string]string{
	"journal_mode":        "_journal_mode",
	"synchronous":         "_synchronous",
	"foreign_keys":        "_foreign_keys",
	"case_sensitive_like": "_case_sensitive_like",
	"query_only":          "_query_only",
	"secure_delete":       "_secure_delete",
	"auto_vacuum":         "_auto_vacuum",
	"recursive_triggers":  "_recursive_triggers",
	"locking_mode":        "_locking_mode",
}

func buildDSN(path string, memory bool, p connParams) string {
	q := url.Values{}
	if p.readOnly && !memory {
		q.Set("mode", "ro")
	}
	if p.busyTimeout > 0 {
		q.Set("_busy_timeout", fmt.Sprintf("%d", p.busyTimeout.Milliseconds()))
	}
	for _, pragma := range p.pragmas {
		if param, ok := mattnParams[strings.ToLower(pragma.Name)]; ok {
			q.Set(param, mattnValue(pragma.Value))
		}
	}
	if p.queryOnly {
		q.Set("_query_only", "1")
	}
	if p.immediate {
		q.Set("_txlock", "immediate")
	}
	return uriPath(path, memory) + "?" + q.Encode()
}

// mattnValue converts ON/OFF style booleans to the 1/0 form go-sqlite3 parses.
func mattnValue(v string) string {
	switch strings.ToUpper(v) {
	case "ON", "TRUE", "YES":
		return "1"
	case "OFF", "FALSE", "NO":
		return "0"
	}
	return v
}

func isUnavailable(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrCantOpen, sqlite3.ErrPerm, sqlite3.ErrReadonly:
		return true
	}
	return false
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
