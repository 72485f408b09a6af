/*
Package metrics exposes the gateway's Prometheus metrics: fleet size by
device type, queue depths, and dispatch/recovery counters. The Collector
refreshes the gauges from the registry and queue on a fixed tick; counters
are incremented inline by the scheduler, gateway, and monitor.
*/
package metrics
