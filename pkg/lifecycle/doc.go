/*
Package lifecycle runs backend service containers on demand. Each
(task type, node) slot moves NoExist -> Creating -> Running -> Deleting ->
NoExist; the controller performs the engine calls at the edges and keeps a
once-shot idle timer per Running slot, pushed out on every use. A service
untouched for the idle timeout is drained briefly and its container
removed.
*/
package lifecycle
