/*
Package dispatch delivers scheduled task payloads to worker nodes. Each
dispatch is a multipart POST to the node's fixed receiver port carrying the
raw image bytes and a small JSON metadata part naming the origin client,
the stored file name, and the inference task type.
*/
package dispatch
