// Package protocol implements the push-to-talk datagram format: an 8-byte
// header followed by a begin, audio or end payload. It parses and validates
// incoming packets and encodes outgoing ones for clients and tests.
package protocol
