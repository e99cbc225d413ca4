// Package memory keeps the transcoder inside its container memory limit.
//
// [ConfigureFromEnv] derives GOMEMLIMIT from the limit Kubernetes passes
// through the Downward API:
//
//	env:
//	- name: MEMORY_LIMIT
//	  valueFrom:
//	    resourceFieldRef:
//	      resource: limits.memory
//	- name: MEMORY_RATIO
//	  value: "0.7"  # optional, default 0.75
//
// GOMEMLIMIT, when set explicitly, takes precedence. The remaining share of
// the container limit is left for ffmpeg processes, which are outside the
// Go heap.
//
// A [Monitor] samples heap usage on an interval. Once usage crosses the
// critical water mark it stops admitting new productions: [Monitor.Wait]
// blocks until usage falls back below the high water mark. The Monitor
// satisfies the coordinator's Admission interface. Productions that are
// already running, and cache hits, are never held back.
package memory
