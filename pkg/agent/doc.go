/*
Package agent implements the worker-side node agent: a load sampler feeding
the master's telemetry poller, a persistent node identity, a registrar with
an optional disconnect/reconnect cycle, a child-process supervisor for the
transfer helpers and inference backends, and the HTTP surface tying them
together.

The sampler runs at 20 Hz over the kernel CPU counters and smooths the busy
ratio over a five-sample window; memory and accelerator usage are read when
a snapshot is requested. The supervisor keeps each child in its own process
group and respawns it after a delay, so a crashing backend never takes the
agent down.
*/
package agent
