// Package audit records everything a session does so a run can be inspected
// after the fact, including after a hard crash.
//
// Layout under the audit directory of one session:
//
//	session.json                               metrics document
//	agents/{timestamp}_{unit}_attempt-{n}.log  NDJSON events, one per line
//	agents/{timestamp}_{unit}_attempt-{n}.debug.log  readable transcript
//	prompts/{unit}.md                          first-attempt prompt snapshot
//
// Event lines are fsynced before a write returns. session.json is only ever
// replaced by rename, under an in-process keyed mutex and a cross-process
// file lock.
package audit
