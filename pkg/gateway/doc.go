/*
Package gateway is the master's public HTTP surface: node registration and
removal, client task submission, worker completion callbacks, service
warm-up, and the metrics endpoint. Submission is fire-and-forget: once a
request validates, its tasks are enqueued and the client gets a 202; all
later failures are absorbed by the queue's retry machinery and surface only
through the completion stream.
*/
package gateway
