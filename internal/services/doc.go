// Package services defines the shared error taxonomy used across the
// pipeline. Stages wrap failures with sentinel markers; the worker runtime
// classifies them into retry, dead-letter, or cooperative-abort handling.
package services
