// Package pty runs a command attached to a pseudo-terminal and reports its
// output as a stream of chunks followed by exactly one exit notification.
//
// A PTY makes the child believe it is talking to an interactive terminal,
// so agent CLIs keep their colours, prompts and line editing instead of
// switching to a pipe-friendly mode.
package pty

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Scrollback is a thread-safe circular buffer of recent output chunks.
//
// It is bounded twice: by the number of chunks it can hold and by the
// total number of bytes those chunks occupy. Whichever limit is hit first
// evicts the oldest chunk.
//
// Example with capacity 3:
//
//	Write("A") -> [A, _, _]  head=1, size=1
//	Write("B") -> [A, B, _]  head=2, size=2
//	Write("C") -> [A, B, C]  head=0, size=3 (wrapped)
//	Write("D") -> [D, B, C]  head=1, size=3 (A was overwritten)
type Scrollback struct {
	mu sync.RWMutex

	chunks []string

	// head is where the next write goes, not the newest item.
	head int
	size int

	bytes    int
	maxBytes int
}

// Default scrollback limits.
const (
	DefaultScrollbackChunks = 2048
	DefaultScrollbackBytes  = 256 * 1024
)

// NewScrollback creates a buffer holding at most maxChunks chunks and
// maxBytes bytes. Non-positive limits fall back to the defaults.
func NewScrollback(maxChunks, maxBytes int) *Scrollback {
	if maxChunks <= 0 {
		maxChunks = DefaultScrollbackChunks
	}
	if maxBytes <= 0 {
		maxBytes = DefaultScrollbackBytes
	}
	return &Scrollback{
		chunks:   make([]string, maxChunks),
		maxBytes: maxBytes,
	}
}

// Write appends a chunk, evicting the oldest chunks as needed. A chunk
// larger than the byte limit keeps only its tail.
func (sb *Scrollback) Write(chunk string) {
	if chunk == "" {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if len(chunk) > sb.maxBytes {
		chunk = chunk[len(chunk)-sb.maxBytes:]
		for len(chunk) > 0 && !utf8.RuneStart(chunk[0]) {
			chunk = chunk[1:]
		}
	}

	if sb.size == len(sb.chunks) {
		sb.evictOldestLocked()
	}
	for sb.size > 0 && sb.bytes+len(chunk) > sb.maxBytes {
		sb.evictOldestLocked()
	}

	sb.chunks[sb.head] = chunk
	sb.head = (sb.head + 1) % len(sb.chunks)
	sb.size++
	sb.bytes += len(chunk)
}

func (sb *Scrollback) evictOldestLocked() {
	oldest := (sb.head - sb.size + len(sb.chunks)) % len(sb.chunks)
	sb.bytes -= len(sb.chunks[oldest])
	sb.chunks[oldest] = ""
	sb.size--
}

// Chunks returns the retained chunks, oldest first.
func (sb *Scrollback) Chunks() []string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	result := make([]string, sb.size)
	start := (sb.head - sb.size + len(sb.chunks)) % len(sb.chunks)
	for i := 0; i < sb.size; i++ {
		result[i] = sb.chunks[(start+i)%len(sb.chunks)]
	}
	return result
}

// String returns the retained output as one string.
func (sb *Scrollback) String() string {
	return strings.Join(sb.Chunks(), "")
}

// Len returns the number of retained bytes.
func (sb *Scrollback) Len() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.bytes
}

// Clear drops everything.
func (sb *Scrollback) Clear() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for i := range sb.chunks {
		sb.chunks[i] = ""
	}
	sb.head = 0
	sb.size = 0
	sb.bytes = 0
}
