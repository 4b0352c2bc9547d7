// Package cache implements the persistent artifact cache. Entries live in a
// single SQLite table keyed by resource URL with a secondary index on
// stored_at; each entry is replaced as a whole, never patched. ArtifactCache
// layers TTL freshness, per-URL download coalescing and integrity checks on
// top of the Store, and delegates network access to the download package so
// large artifacts are fetched as sequential byte ranges.
package cache
