// Package filejournal persists bus messages as JSON lines in day-partitioned
// files (messages_YYYYMMDD.jsonl) under a directory. It registers itself as
// the "file" journal adapter.
package filejournal
