// Package audio provides the frame type that flows through a call session
// and the stateless codec converting between the telephony provider's G.711
// encoding and the PCM16 format the model backend consumes.
package audio
