/*
Package types defines the core data structures shared by the Flotilla gateway
and agent.

The domain model is small: a Device is a worker node running an agent, a
DeviceStatus is its latest load snapshot, an ImageTask is one unit of
inference work, and a SrvInfo addresses a backend service container on a
node. TaskType and DeviceType are closed, case-sensitive enumerations whose
string forms are the canonical wire names; unknown strings parse to
TaskTypeUnknown rather than failing, because the scheduler treats Unknown as
"schedule anywhere".

All types are plain values with JSON tags matching the external interfaces;
none of them carry locks or behaviour beyond small derivation helpers.
*/
package types
