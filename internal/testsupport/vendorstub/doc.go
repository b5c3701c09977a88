// Package vendorstub hosts a deterministic archive-style upload endpoint and
// a media origin for end-to-end ingest tests. It records every PUT and fetch
// so tests can assert what reached the vendor and how often it was retried.
package vendorstub
