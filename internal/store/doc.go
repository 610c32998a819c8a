// Package store defines the remote key-value store contract used by the
// collection and remote-service packages.
//
// Implementations:
// - memstore: in-process, for tests and single-node runs
// - redisstore: go-redis against a Redis-compatible server
package store
