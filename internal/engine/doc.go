// Package engine turns submit requests into persisted jobs and hands their
// tasks to the selected execution provider. It owns job construction (IDs,
// task indexing, parameter binding), delegation of poll/cancel/log requests
// to the owning provider, and the log broker for live streaming.
package engine
