// Package server assembles the intake API behind one HTTP server.
//
// Every request passes the same chain: request id, request logging, metrics,
// security headers, CORS and the upload rate limit, in that order from the
// outside in.
package server
