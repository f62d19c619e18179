// Package transcription turns gated audio chunks into text. It defines the
// Engine used by the transcription stage and the Backend implementations
// behind it: a whisper-style HTTP client with retries, the OpenAI audio
// transcriptions API, and Gemini.
package transcription
