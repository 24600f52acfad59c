// Package storage persists amnesia's artifacts: trained shard models and
// snapshots of the shard index.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│  Artifacts (models, index snapshot) │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Store interface            │
//	└─────────────────────────────────────┘
//	         │                 │
//	         ▼                 ▼
//	   ┌───────────┐     ┌─────────────┐
//	   │  Memory   │     │  BadgerDB   │
//	   └───────────┘     └─────────────┘
//
// # Keys
//
//	model/<shard:%03d>/<run id>   encoded model (see model.Encode)
//	index/snapshot                shard.Index snapshot JSON
//
// A model key is written once per run and never overwritten, so the
// history of every shard stays addressable. The index snapshot records which
// run is current for each shard.
//
// # Errors
//
// Missing keys return ErrKeyNotFound, which matches errs.ErrNotFound.
// Backend failures are wrapped in *Error, which matches errs.ErrStorage.
//
// # Concurrency
//
// Both backends are safe for concurrent use.
package storage
