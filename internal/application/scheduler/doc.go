// Package scheduler periodically sweeps sessions that are stuck waiting on
// a person or on a transient registry failure.
//
// Each job runs on its own ticker. A job applies its rules to every live
// session (reminders, operator escalation, expiry) or, for the retry job,
// commits the sessions whose retry entry is due. Runs of the same job never
// overlap, and with the leader lease enabled only one replica runs a job at
// a time. Operators can also clean up sessions on demand with Trigger.
package scheduler
