// Package chat contains the Twitch IRC mirror source.
//
// It connects to another channel's chat anonymously over IRC and emits every
// message as a relay event, reconnecting with a fixed delay whenever the
// connection drops. Anonymous IRC needs no credentials, so the mirror works
// even when no Twitch identity is configured.
package chat
