/*
Package telemetry keeps the registry's per-node load snapshots fresh. A
single poller sweeps the whole fleet four times a second, fetching each
agent's device info endpoint concurrently; nodes that fail a poll keep
their last good snapshot and stay schedulable until the health monitor
decides otherwise. Every tenth sweep logs a one-line fleet summary.
*/
package telemetry
