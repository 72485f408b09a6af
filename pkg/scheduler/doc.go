/*
Package scheduler contains the two scheduling policies and the dispatch
loop.

The policy side is a pure function over a registry snapshot: candidates are
nodes actively running the service, else nodes holding a service slot for
it, else the whole polled fleet. Load-based selection minimises a weighted
sum of cpu/mem/xpu usage plus raw bandwidth and latency; round-robin rotates
a single shared cursor over the deterministically ordered candidates.

The loop side pops one task at a time from the queue manager, selects a
target, reads the uploaded payload from disk, and ships it to the worker's
receive endpoint. Any failure along the way re-queues the task at the front
with a bounded retry count; acceptance by the worker moves it to the running
index, to be released by a completion callback or a recovery sweep.
*/
package scheduler
