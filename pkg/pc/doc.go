// Package pc defines the program context, the JSON envelope that accompanies
// a task across the broker, the worker and the user script.
package pc
