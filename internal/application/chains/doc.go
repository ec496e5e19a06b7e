// Package chains links otherwise independent workflow stages through the
// event bus.
package chains
