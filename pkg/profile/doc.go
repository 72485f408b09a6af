/*
Package profile loads the static knowledge file mapping (TaskType,
DeviceType) to a container launch spec and an expected overhead triple.

The store is immutable after Load. The expected overhead is carried for
operators and future scoring work; the live load-weighted policy does not
consume it.
*/
package profile
