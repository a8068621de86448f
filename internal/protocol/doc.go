// Package protocol implements parsing of the binary ingress packets sent by
// capture devices. It handles header parsing, signaling payload extraction
// (stream start/stop), and audio frame payload processing.
package protocol
