/*
Package history is the bbolt-backed log of task outcomes. The gateway
appends a record when a task completes and the queue appends one when a task
exhausts its retries. The pending queue itself stays in-memory; this store
exists so operators can audit outcomes after the fact.
*/
package history
