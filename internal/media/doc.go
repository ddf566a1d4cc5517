// Package media defines the sample model and the narrow interfaces through
// which the relay consumes the media pipeline. Transport and codec concerns
// live behind the Dialer/Source boundary.
package media
