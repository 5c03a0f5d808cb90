// Package chat records a channel's Twitch chat alongside a capture.
//
// Recorder joins the channel over IRC (anonymously unless a bot username and OAuth token are
// configured) and hands every message to a Sink with both an absolute timestamp and one relative
// to the start of the broadcast, so chat can be replayed against the capture file. Recording
// stops when the capture's context is cancelled.
package chat
