/*
Package runtime wraps the Docker Engine API of the worker nodes. The
gateway drives each node's engine remotely over plain TCP, translating
knowledge file container specs into engine create/start/remove calls. The
Engine interface keeps the lifecycle controller testable without a live
engine.
*/
package runtime
