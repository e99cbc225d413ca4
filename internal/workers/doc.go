/*
Package workers sizes the transcode worker pool in containerized
environments.

Go 1.19+ sets GOMAXPROCS from the container CPU limit, while runtime.NumCPU
still reports the host's CPUs. Sizing from GOMAXPROCS keeps a pod limited to
2 CPUs on a 64-core node from starting 64 concurrent ffmpeg processes.

	slots := workers.ForTranscode(8) // ffmpeg on this host, max 8
	slots := workers.ForRemote(16)   // remote provider, max 16

Operators can pin the count with TRANSCODE_WORKERS:

	env:
	- name: TRANSCODE_WORKERS
	  value: "4"

All functions are safe for concurrent use.
*/
package workers
