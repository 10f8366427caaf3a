package services

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"telic/internal/config"
)

// Prober checks whether one declared service is reachable. The interface
// exists so the supervisor is testable without sockets.
type Prober interface {
	Probe(ctx context.Context, spec config.ServiceSpec, timeout time.Duration) error
}

// netProber is the real prober: HTTP health endpoints, TCP dials, or custom
// commands.
type netProber struct{}

// NewProber returns the real network prober.
func NewProber() Prober { return netProber{} }

func (netProber) Probe(ctx context.Context, spec config.ServiceSpec, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch spec.Probe {
	case config.ProbeHTTP:
		return probeHTTP(ctx, spec)
	case config.ProbeTCP:
		return probeTCP(ctx, spec)
	case config.ProbeCommand:
		return probeCommand(ctx, spec)
	}
	return fmt.Errorf("service %s: unknown probe kind %q", spec.Name, spec.Probe)
}

func probeHTTP(ctx context.Context, spec config.ServiceSpec) error {
	path := spec.HealthPath
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("http://%s:%d%s", spec.HostOrDefault(), spec.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("service %s: %w", spec.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("service %s: health endpoint returned %d", spec.Name, resp.StatusCode)
}

func probeTCP(ctx context.Context, spec config.ServiceSpec) error {
	var d net.Dialer
	addr := fmt.Sprintf("%s:%d", spec.HostOrDefault(), spec.Port)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("service %s: %w", spec.Name, err)
	}
	_ = conn.Close()
	return nil
}

func probeCommand(ctx context.Context, spec config.ServiceSpec) error {
	if len(spec.Command) == 0 {
		return fmt.Errorf("service %s: command probe with no command", spec.Name)
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("service %s: probe command failed: %w (%s)", spec.Name, err, string(out))
	}
	return nil
}
