/*
Package script loads and inspects user process scripts.

Scripts are JavaScript files evaluated under goja. Inspection is purely
static: the parser extracts the top-level entrypoints and their scheduling
directives without running any code, so the API can validate a submission
and route it before a worker ever touches the script.

A directive is declared either with the wrapper form

	main = schedule({queue: 'gpu', wait: true, timeout: 3600})(main)

or with a leading comment

	//pixyz:schedule {"queue": "gpu"}
	function main(pc, params) { ... }

Each execution gets a fresh runtime so native-library state and globals never
leak between tasks.
*/
package script
