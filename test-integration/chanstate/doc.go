// Package integration provides end-to-end tests for the chanstate server.
// They run the full application against the file and bolt storage backends
// and exercise the HTTP API, restarts and the event stream.
package integration
