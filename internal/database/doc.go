// Package database stores aggregation results in SQLite.
//
// Each run is stored as one row of the runs table holding the full result as
// JSON, with one row per final path in the paths table for queries that do
// not need the whole result. The driver is modernc.org/sqlite, which needs
// no cgo.
package database
