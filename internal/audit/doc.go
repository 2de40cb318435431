// Package audit records who changed the asset document or issued a
// control command, through which ingress, and when.
//
// Entries live in the audit_logs SQLite table. Handlers enqueue them on a
// Recorder, which writes serially in the background and drops entries
// rather than apply back-pressure to requests.
package audit
