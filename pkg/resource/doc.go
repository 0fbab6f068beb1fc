// Package resource implements the Resource Fetcher (component E): it
// answers GET /cockpit[/@host][/<package-or-hash>/<path>] by opening a
// transient "resource1" channel on a session and streaming the bridge's
// response bytes into the HTTP response.
package resource
