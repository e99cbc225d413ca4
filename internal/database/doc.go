// Package database provides the SQLite feed registry.
//
// It stores the upstream feeds the service publishes, the target params
// each feed is transcoded to and the outcome of the last upstream fetch,
// plus a small key-value metadata table used for bookkeeping such as the
// last eviction run.
//
// The database uses WAL mode for concurrent reads and applies schema
// migrations at open.
package database
