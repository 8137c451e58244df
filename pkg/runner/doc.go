/*
Package runner executes user entrypoints in a fault-isolated child process.

The worker re-execs its own binary into a hidden child entry, hands it the
program context over stdin and reads length-prefixed JSON frames back on
stdout. A native crash, runaway loop or memory blowup kills the child only;
the parent translates the exit condition into the typed fault taxonomy that
drives the retry policy.
*/
package runner
