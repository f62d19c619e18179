// Package audio holds the capture side of a push-to-talk session: a
// fixed-capacity ring buffer whose slicer cuts overlapping windows for
// streaming transcription, sample format conversion, and WAV encoding.
package audio
