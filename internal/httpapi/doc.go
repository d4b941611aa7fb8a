// Package httpapi serves the management surface: engine lifecycle control,
// account and binding CRUD, and the interaction audit log, as JSON over HTTP.
//
// Every route except GET /health requires a Bearer token signed with the
// configured HS256 secret. Stored credentials (session tokens, API hashes,
// per-persona provider keys) are write-only through the API: responses carry
// at most a boolean presence flag.
package httpapi
