// Package scenario loads bus simulation scenarios from YAML and runs them
// against an i2cm.Manager over a simulated hostbus.
//
// A scenario names the engine settings, the simulated targets attached to
// the bus, and a list of steps. Each step is a shell-style command string:
//
//	write 0x50 0x00 0xAA        address 0x50, send two bytes
//	write 0x50 0x00 read 4      write then read after a repeated start
//	read 0x38 7                 read seven bytes
//	probe 0x68                  address only
//	queue write 0x50 0x01       queue instead of starting immediately
//	wait                        run until every queued transfer is done
//	stall start,tx              make those primitives never complete
//	unstall
//
// Runs are deterministic: the runner ticks the bus and the manager in
// lock-step, so the same scenario always yields the same transcript.
package scenario
