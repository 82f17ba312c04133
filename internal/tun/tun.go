// Package tun obtains the virtual interface a session reads frames from.
package tun

import (
	"io"

	"tunsocks_go/internal/shared/types"
)

// Provider establishes the virtual interface described by spec. The returned
// handle carries raw IP frames in both directions; closing it tears the
// interface down for the session.
type Provider interface {
	Establish(spec types.TunSpec) (io.ReadWriteCloser, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(spec types.TunSpec) (io.ReadWriteCloser, error)

func (f ProviderFunc) Establish(spec types.TunSpec) (io.ReadWriteCloser, error) {
	return f(spec)
}
