// Package server implements the UDP ingress for device audio packets and the
// HTTP operator API. It handles concurrent packet processing, routing to
// segmenter sessions, and monitoring/management endpoints.
package server
