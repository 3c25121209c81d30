// Package device defines the data model shared by the polling engine, its
// drivers and its stores.
//
// The main types are:
//
//   - [Device]: configuration and live status of one polled device
//   - [PollResult]: transient outcome of a single driver invocation
//   - [HistoryRecord]: a persisted sample derived from a [PollResult]
//   - [Stats]: min/max/avg/count aggregate over a time range
//
// Every timestamp that crosses a package boundary is UTC. JSON encoding
// renders timestamps as ISO-8601 with a trailing "Z" (see [FormatTimestamp])
// and decoding rejects any other zone representation (see [ParseTimestamp]).
package device
