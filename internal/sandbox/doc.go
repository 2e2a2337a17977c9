// Package sandbox defines how workers start their isolated execution
// processes (local child process or Docker container) and the HTTP header
// contract spoken between a worker and the sandbox it owns.
package sandbox
