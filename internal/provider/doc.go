// Package provider defines the common capability contract that all execution
// backends (local container orchestrator, remote batch dispatcher) must
// implement — submit, poll, cancel, fetch-logs — along with the shared
// lifecycle tracker and the error taxonomy exchanged between the engine and
// provider implementations.
package provider
