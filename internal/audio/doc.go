// Package audio handles per-conversation frame buffering, voice activity
// detection, and WAV encoding for the transcode stage. Frames are accepted
// strictly in sequence order; duplicates and stragglers are dropped and
// counted rather than reordered.
package audio
