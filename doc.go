// Package docstore is a resilient data-access layer for a clustered document
// store. It mediates every store interaction through a shared circuit
// breaker, taxonomy-driven retries with exponential backoff, a lazily
// established single-flight connection, TTL caching (in-memory or persisted)
// and a prepared-statement query executor. Typed generic repositories layer
// CAS-aware CRUD on top.
//
// The entry point is Open, which wires configuration into a Client; entity
// repositories are built per type with repository.New against the client's
// connection manager and executor.
package docstore
