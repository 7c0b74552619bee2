// Package sanitize bounds and escapes upstream payloads before they are
// hashed or transmitted. Output is canonical: the same logical payload always
// serialises to the same bytes, and sanitising an already sanitised payload is
// a no-op.
package sanitize
