// Package idgen generates identifiers for runs and ledger events.
//
// Every constructor that mints ids takes a Generator so tests can pin them.
package idgen

import (
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 v7 UUIDs (time-sortable).
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id from gen ("run_", "evt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Timestamped produces "20060102T150405Z_<suffix>" ids. Used for run ids so
// that artifact directories sort by start time.
func Timestamped(gen Generator) Generator {
	return func() string {
		return time.Now().UTC().Format("20060102T150405Z") + "_" + gen()
	}
}

// RunID is the default generator for run ids.
var RunID Generator = Prefixed("run_", Timestamped(shortUUID()))

// EventID is the default generator for ledger event ids.
var EventID Generator = Prefixed("evt_", UUIDv7())

// RequestID tags control-API calls in logs.
var RequestID Generator = Prefixed("req_", UUIDv7())

// shortUUID keeps the random tail of a v7 UUID; the timestamp prefix is
// redundant once Timestamped has been applied.
func shortUUID() Generator {
	return func() string {
		s := uuid.Must(uuid.NewV7()).String()
		return s[len(s)-12:]
	}
}
