// Package store persists the mirrored run history and the cache validators
// used for conditional upstream requests.
//
// Two collections are kept, both keyed by the tracked source identifier
// ("owner/repo"):
//
//   - [SourceState]: the bounded, most-recent-first run history of a source
//   - [CacheMetadata]: the opaque validator (ETag) returned by upstream
//
// The [Store] interface combines both collections with a reachability check.
// Implementations are provided for memory, SQLite, PostgreSQL and Redis and
// are selected with [Open].
//
// All implementations must be safe for concurrent access. A write to one key
// must never affect another key.
package store
