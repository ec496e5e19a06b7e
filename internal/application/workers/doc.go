// Package workers runs background jobs, such as asynchronous commits, on a
// fixed pool of goroutines.
//
// Jobs wait in a bounded queue; Submit never blocks and reports a full queue
// as a conflict. The health monitor periodically logs the pool status and
// records it as metrics.
package workers
