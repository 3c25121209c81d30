// Package store provides persistence for device configuration and poll
// history, plus an in-process pub/sub feed.
//
// The main components are:
//
//   - [HistoryStore]: append-only time-series storage with retention
//   - [DeviceTable]: device configuration and live poll status
//   - [MemoryStore]: in-memory implementation of both, used in tests and
//     for throwaway runs
//   - [GormStore]: relational implementation on GORM, opened on SQLite
//     with [OpenSQLite]
//   - [PostgresHistory]: history on PostgreSQL via a pgx pool
//   - [CachedHistory]: Redis cache of each device's latest record
//   - [Feed]: non-blocking fan-out used for live events
//
// All timestamps are stored and returned in UTC. Records of one device are
// always returned in ascending timestamp order.
package store
