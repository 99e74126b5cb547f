// Package redisjournal persists bus messages in a Redis Stream, one stream
// entry per message. It registers itself as the "redis-stream" journal
// adapter. Entries are appended with XADD and replayed with XRANGE, so a
// fresh process can rebuild its history from the shared stream.
package redisjournal
