//go:build cgo

package sqlite

const CGOEnabled = true
