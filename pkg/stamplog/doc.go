// Package stamplog defines the line format dmerg uses to persist one captured
// source, and the writer and reader for it.
//
// # Format Specification
//
// Each line follows this format:
//
//	timestamp message\n
//
// # Fields
//
//   - timestamp: ISO 8601 with microseconds and a numeric UTC offset, see
//     timestamp.Layout. Example: 2025-01-07T12:34:56.789000+0100
//   - a single space
//   - message: the captured text. It never contains a newline; embedded
//     carriage returns and newlines are replaced by a space on write.
//
// # Examples
//
//	2025-01-07T12:00:00.000000+0000 usb 1-1: new high-speed USB device
//	2025-01-07T12:00:01.250000+0000 plugged the stick in
//	2025-01-07T12:00:02.000000+0000
//
// The last line is an operator pressing enter on an empty line: the space
// after the timestamp is still written.
//
// # Reading
//
// Reader hands out one line at a time and tags it as a record, as a corrupt
// line (timestamp token did not parse) or as the end of the log. Callers
// decide what a corrupt line means for them.
package stamplog
