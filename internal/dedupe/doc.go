// Package dedupe tracks message ids seen within a time window so that
// redelivered inbound messages are processed once.
package dedupe
