//go:build linux || darwin || android

package tun

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"tunsocks_go/internal/shared/logger"
	"tunsocks_go/internal/shared/types"
)

// FDProvider serves an interface descriptor owned by the host (for example the
// one returned by Android's VpnService.Builder.establish). Every Establish
// duplicates it, so closing a session never closes the host's descriptor and a
// restart can establish again.
type FDProvider struct {
	mu  sync.Mutex
	fd  int
	own bool
}

// NewFDProvider wraps fd. With own set, Close also closes fd.
func NewFDProvider(fd int, own bool) *FDProvider {
	return &FDProvider{fd: fd, own: own}
}

func (p *FDProvider) Establish(spec types.TunSpec) (io.ReadWriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return nil, fmt.Errorf("tun: no interface descriptor")
	}

	fd, err := unix.Dup(p.fd)
	if err != nil {
		return nil, fmt.Errorf("tun: dup fd %d: %w", p.fd, err)
	}
	// The Go poller only takes over non-blocking descriptors, which is what
	// makes Close interrupt a pending Read.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: set nonblock on fd %d: %w", fd, err)
	}
	unix.CloseOnExec(fd)

	f := os.NewFile(uintptr(fd), spec.Session)
	if f == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: invalid fd %d", fd)
	}

	logger.Info().Int("fd", fd).Str("session", spec.Session).Str("address", spec.Address).
		Strs("routes", spec.Routes).Strs("dns", spec.DNS).Strs("allowed_apps", spec.AllowedApps).
		Msg("TUN: using host supplied interface")
	return f, nil
}

// Close releases the descriptor when it is owned.
func (p *FDProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 || !p.own {
		p.fd = -1
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
