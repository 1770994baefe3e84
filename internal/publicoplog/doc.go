// Package publicoplog serves worker oplogs to clients: entries with their
// payloads resolved, paged with opaque cursors, and searchable with CEL
// expressions or plain text.
package publicoplog
