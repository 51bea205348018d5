// Package server implements the realtime and HTTP surface of LingoChat.
//
// The Hub is the connection registry: it owns every WebSocket Client, the
// identity and room each connection has claimed, and the presence tracker,
// and it fans protocol frames out to the matching connections. Handlers,
// routes, configuration, origin checks, and rate limiting live in their own
// files so that each can be tested in isolation.
package server
