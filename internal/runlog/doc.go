// Package runlog persists the final state of research runs.
//
// Each run is written to <dir>/<run_id>.json as plain JSON: timestamps are
// RFC 3339 strings and every nested value is a map, slice, string, number or
// bool. Text is scrubbed for credentials before it reaches disk, because
// findings can quote tool output and reports can echo configuration.
package runlog
