// Package service implements supervision of acquisition workers.
//
// Overview
// The Manager owns a phase loop. In Monitoring a long running phase monitor
// is served, in Acquiring a finite acquisition runs while the monitor is
// paused, in Standby nothing runs and the manager waits for work. Jobs come
// from the RunQueue, which hands out run dictionaries dropped into
// <run_queue>/pending, and the Schedule fills that folder on cron or
// interval triggers.
//
// A worker is started by a Spawner and represented by a Handle. The
// ExecSpawner re-executes the binary with the hidden _acquire command and
// talks to it over its stdio, one JSON string per line:
//
//	Manager               Handle                 worker (_acquire)
//	   |                     |                        |
//	   | Spawn ------------->| Runner.Start --------->| stdin: commands
//	   | Put(rd path) ------>|----------------------->| handshake
//	   |<- manager:received rd, manager:<folder> -----| stdout: status
//	   |<------------ Errors ------------------------ | stderr: errors
//	   | pause/resume/quit acq ---------------------->|
//	   |<- manager:done|err, manager:shut down -------|
//
// Invariants:
//   - At most one acquisition and one monitor run at a time.
//   - Every message of a worker is consumed once. What WaitForSignal does not
//     match is shown to the operator.
//   - A finished worker is archived: the run dictionary, journals, operator
//     input and quench file are copied into its output folder.
//   - Liveness is polled, a worker which died silently reverts the phase.
package service
