/*
Package worker supervises the single long-running worker process behind the proxy.

The supervisor moves through three states:

	starting -> running -> (worker exits) -> starting -> running ...
	running -> (worker exits after Shutdown) -> stopped

A worker that exits for any reason other than a requested shutdown is spawned again after a short
delay, for as long as the supervisor runs. Frames written while a new worker is starting wait for it
rather than failing, up to the write timeout.

Stdout is read line by line and handed to the output handler in the order the worker wrote it. Stderr
is only logged.
*/
package worker
