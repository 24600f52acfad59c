// Package api defines the JSON wire types served by "amnesia run
// --metrics-addr" and a small client for them.
//
// # Endpoints
//
//	GET  /health   200 while the process is up
//	GET  /metrics  Prometheus exposition
//	GET  /shards   []ShardStatus, one per shard in index order
//	POST /predict  PredictRequest -> PredictResponse
//
// Errors are plain-text bodies with a non-2xx status; the client surfaces
// them as *StatusError.
package api
