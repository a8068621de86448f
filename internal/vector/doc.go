// Package vector defines the client contract against the external vector
// index used for memory similarity search, with an HTTP implementation for
// production and an in-process cosine index for tests and the dev stub.
package vector
