// Package storage persists plugin run records.
//
// Two drivers exist: "file" appends JSON Lines to one file, "sqlite" keeps a
// table in a SQLite database (modernc.org/sqlite, no cgo). A Recorder feeds
// either from the event bus.
package storage
