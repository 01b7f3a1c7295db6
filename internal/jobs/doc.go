// Package jobs runs background work on a bounded worker pool.
//
// Each job gets its own cancelable context, carries its trace ID from the
// request that scheduled it, and has its lifecycle (pending, running,
// completed, failed, cancelled) recorded in a Store.
package jobs
