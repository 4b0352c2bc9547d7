// Package server hosts the Fiber diagnostics service: request id middleware,
// the artifact name registry built from config, and the app constructor that
// routes packages attach /-/ endpoints to. Keep exports narrow and accept
// explicit dependencies so cmd wiring and tests can inject fakes.
package server
