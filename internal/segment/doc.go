// Package segment is the conversation segmenter: it turns each device's
// continuous frame stream into bounded conversations. A device has at most
// one open session; sessions close on silence timeout, max duration, an
// explicit stop signal, or service shutdown, and closed conversations are
// persisted and admitted into the processing pipeline.
package segment
