// Package viewer serves a small browser page that shows the bridge's live
// WebSocket feed: the latest frame summary, attached devices and service
// log lines.
//
// The page is embedded with go:embed so the binary has no runtime file
// dependency. index.html is rendered as an html/template with the
// WebSocket path filled in; the script and stylesheet are served as is.
// When API auth is enabled the page reads a bearer token from the
// #token= URL fragment and passes it as the access_token query parameter.
package viewer
