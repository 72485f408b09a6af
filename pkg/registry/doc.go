/*
Package registry holds the gateway's authoritative view of the fleet: the
static record of every registered node, its latest telemetry snapshot, the
services each agent reports as running, and the per-(TaskType, Device)
service-slot state machine.

One RWMutex guards all tables. Writers are Register, Remove, UpdateStatus,
UpdateActiveServices and the slot transition helpers; everything else reads.
Status updates swap the whole struct, so readers never observe a torn
snapshot. The round-robin cursor lives here too because candidate ordering
is derived from registry contents.
*/
package registry
