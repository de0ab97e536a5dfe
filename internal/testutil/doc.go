// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing conversation histories and
// checkpoints and when asserting on streamed events. They are not intended
// for production usage.
package testutil
