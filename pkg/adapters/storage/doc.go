// Package storage provides session store implementations.
//
// Implementations:
//   - redis: JSON documents under regorch:* keys with native TTL
//   - memory: In-memory with a clock-driven TTL, for tests and single-node runs
package storage
