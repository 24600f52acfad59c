// Package coordinator implements the control plane of amnesia: it owns the
// shard models, serves ensemble predictions, and runs erasure requests end
// to end.
//
// # Overview
//
// After partitioning, every shard trains its own model in isolation. The
// coordinator keeps those models, combines their outputs for prediction, and
// when records must be forgotten it edits only the shards that held them.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                  PIPELINE                    │
//	├──────────────────────────────────────────────┤
//	│                                              │
//	│  ┌────────────────────┐  publish  ┌────────┐ │
//	│  │ Manager            │ ────────► │ Aggre- │ │
//	│  │  - shard.Index     │           │ gator  │ │
//	│  │  - Registry slots  │           └────────┘ │
//	│  │  - storage         │               ▲      │
//	│  └────────────────────┘               │      │
//	│           ▲                    ┌────────────┐│
//	│           │ retrain / unlearn  │ShardMonitor││
//	│  ┌────────────────────┐        └────────────┘│
//	│  │ Erase              │                      │
//	│  │  verify → ledger   │                      │
//	│  └────────────────────┘                      │
//	└──────────────────────────────────────────────┘
//
// # Manager
//
// Manager is the single mutator of shard models. TrainAll partitions a
// dataset and trains every shard in parallel (errgroup, bounded by
// Parallelism). RetrainShard fits a fresh model on a shard's current
// members; UnlearnShard and UnlearnRecords run the unlearning engine on a
// clone of the shard's model. Each new model is persisted under
// (shard, run id), installed in the Registry, then published.
//
// # Registry
//
// One slot per shard. A mutating operation reserves its slot with Acquire,
// which fails fast with errs.ErrShardBusy rather than queueing. Readers get
// the current model without waiting on a running mutation.
//
// # Aggregator
//
// Combines per-shard class probabilities by mean, vote or weighted average.
// Removing a shard renormalises the remaining weights; updating a shard
// swaps its model and keeps its weight.
//
// # Erasure
//
// Pipeline.Erase removes the ids from the index, retrains or unlearns each
// affected shard, verifies that the erased records are no longer
// recognised, and issues a compliance.Record when verification passes. A
// shard left with no members stops serving.
//
// # Usage Example
//
//	manager, _ := coordinator.NewManager(cfg, storage.NewArtifacts(store), logger)
//	agg := coordinator.NewAggregator()
//	pipe, _ := coordinator.NewPipeline(manager, agg, ledger, pipeCfg, logger)
//	if _, err := pipe.Train(ctx, ds, ids); err != nil {
//	    return err
//	}
//	report, err := pipe.Erase(ctx, ds, []string{"user-1234"}, coordinator.StrategyUnlearn)
package coordinator
