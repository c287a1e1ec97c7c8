// Package log provides structured logging for jobhub using zerolog.
//
// A single global logger is initialized once via Init; every component
// derives a child logger from it with WithComponent, WithJobID, or
// WithPlatform (and may keep that child as a field) rather than building an
// independent zerolog.Logger.
package log
