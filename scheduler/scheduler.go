package scheduler

// Package scheduler drives the market-data continuity engine. It owns:
// - one polling cadence per supported resolution, clamped to a floor
//   interval so short resolutions cannot hammer upstream
// - a slower gap-scan cadence per resolution that hands detected gaps
//   to the backfill orchestrator
//
// The jobs are implemented in jobs.go
