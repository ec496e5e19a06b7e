// Package events provides event bus implementations.
//
// Implementations:
//   - memory: Synchronous in-process bus, the source of truth for handlers
//   - redis: Redis Streams mirror and tailing subscriber for other replicas
package events
