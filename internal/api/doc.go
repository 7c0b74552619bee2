// Package api exposes the REST surface: submitting payloads for commitment,
// reading commitment records and public hash verification.
package api
