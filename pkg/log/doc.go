/*
Package log provides structured logging for Flotilla built on zerolog.

Init configures the global logger once at process start (console output by
default, JSON with Config.JSONOutput). Long-lived loops take a child logger
via WithComponent so every line carries its origin; WithDeviceID, WithTaskID
and WithReqID attach the identifiers the scheduler and gateway correlate on.
*/
package log
