// Package transport spawns the simulator as a child process and exchanges
// line-oriented request/response messages with it.
//
// The child prints a ready sentinel once it accepts commands. Each command
// is one line on its stdin; the reply is the next stdout line containing the
// response marker, followed by a JSON envelope:
//
//	SIM_IDE_RESPONSE: {"response_code": "ok", "response_type": "int", "response_payload": "0x80000000"}
//
// Lines without the marker are diagnostic noise and are skipped, as are
// marker lines whose envelope does not decode. The envelope is decoded once,
// here, into a Response (Ack, ErrorReply, WarningReply or BrokenPipe) so
// upper layers never see raw text.
package transport
