// Package store defines the records shared by the indexer core and the
// repository interfaces used to persist them. Implementations live in
// internal/storage; this package must not import database drivers.
package store
