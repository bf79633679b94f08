package handlers

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"
)

// responseBufferPool provides reusable byte buffers for JSON encoding.
// Listing responses repeat on every poll, so reusing buffers keeps GC
// pressure down.
var responseBufferPool = sync.Pool{
	New: func() interface{} {
		// Model listings are the largest common response
		return bytes.NewBuffer(make([]byte, 0, 8192))
	},
}

// getResponseBuffer retrieves a response buffer from the pool.
func getResponseBuffer() *bytes.Buffer {
	v := responseBufferPool.Get()
	buf, ok := v.(*bytes.Buffer)
	if !ok {
		log.Warn().Interface("got_type", v).Msg("Unexpected type from response buffer pool")
		return bytes.NewBuffer(make([]byte, 0, 8192))
	}
	return buf
}

// putResponseBuffer returns a response buffer to the pool after resetting it.
func putResponseBuffer(buf *bytes.Buffer) {
	buf.Reset()
	responseBufferPool.Put(buf)
}
