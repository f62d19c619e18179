// Package stream runs the transcription side of a push-to-talk session.
//
// A Stage drains the ring buffer's chunk channel on one worker goroutine
// and appends each recognized chunk to the session transcript. The
// Controller owns the single active session: it begins and ends sessions,
// feeds PCM into the buffer, and closes idle or superseded sessions.
package stream
