/*
Package monitor is the failure detector of the gateway. Every five seconds
it scans the latest telemetry snapshots; any node whose probe latency
exceeds ten seconds has its in-flight tasks pulled back to the front of
the pending queue, at most once per cooldown window per node. Nodes are
never deregistered here, so a recovering node resumes service without
re-registering.
*/
package monitor
