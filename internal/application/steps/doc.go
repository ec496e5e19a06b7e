// Package steps holds the executors an AddStepData call runs through.
//
// Validate, Stage and Advance mutate the session inside the locked
// read-modify-write; Notify runs once the new document is stored.
package steps
