package worker

// AnomalyDetector scores a transcript for suspicious output (hallucinated
// repetition, garbage decoding). Scores at or above the configured threshold
// flag the version for human review.
type AnomalyDetector interface {
	Detect(transcript string) float64
}

// NullAnomalyDetector never flags anything; it is the default until a real
// scorer is plugged in.
type NullAnomalyDetector struct{}

// Detect always returns 0.
func (NullAnomalyDetector) Detect(string) float64 { return 0 }
