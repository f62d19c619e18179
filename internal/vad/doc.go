// Package vad decides whether an audio chunk is worth transcribing. The
// gate is an amplitude heuristic: a chunk passes when its mean absolute
// amplitude reaches a threshold and it is long enough.
package vad
