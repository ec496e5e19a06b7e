// Package notify provides notification sender implementations.
//
// Implementations:
//   - redis: Outbox list drained by an external mailer
//   - memory: Recording sender for tests
package notify
