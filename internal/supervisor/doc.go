// Package supervisor runs the background maintenance of the pipeline: lease
// reclaim, stuck-worker cleanup, finished-job pruning and stale-session
// closure. It doubles as the worker heartbeat registry.
package supervisor
