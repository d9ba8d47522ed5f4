// Package stores provides the persistent storage layer for Weft using
// SQLite: memoization entries, target-state tracking records, and the
// component registry, scoped per logical application.
package stores
