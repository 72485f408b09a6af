/*
Package queue implements the gateway's task containers: a pending deque, a
per-node running index, and a failed history.

Every transition preserves the invariant that a task lives in exactly one
container. Pop blocks on a condition variable until work arrives or the
manager is closed. Recovery re-queues a failed node's tasks at the front of
the deque with bounded retries, which keeps delayed tasks ahead of newly
arrived traffic.
*/
package queue
