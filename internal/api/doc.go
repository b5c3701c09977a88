// Package api hosts the intake HTTP handlers: upload submission, job status,
// cancellation, progress streaming, provider listing and health.
//
// Handlers turn requests into models.Job values and hand them to the injected
// Jobs implementation; they never call vendors themselves. Request ids,
// logging, metrics, CORS and rate limiting are applied by internal/server.
package api
