package tms

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrPingFailed reports that a candidate TMS host did not answer the
	// reachability ping correctly.
	ErrPingFailed = errors.New("tms ping unsuccessful")

	// ErrPingTLS reports a reachability ping that failed during TLS
	// negotiation, kept distinct for diagnostics.
	ErrPingTLS = errors.New("tms ping ssl error")
)

const pingTimeout = 5 * time.Second

// Pinger verifies that a candidate TMS host answers the /ping endpoint
// before it is registered or updated.
type Pinger struct {
	client        *http.Client
	allowInsecure bool
}

// NewPinger creates a reachability checker. When allowInsecure is set, the
// ping uses plain http instead of https (local development only).
func NewPinger(allowInsecure bool) *Pinger {
	return &Pinger{
		client:        &http.Client{Timeout: pingTimeout},
		allowInsecure: allowInsecure,
	}
}

// Ping requests /ping from the host and expects the canonical pong reply.
// TLS failures are reported as ErrPingTLS, every other failure as
// ErrPingFailed.
func (p *Pinger) Ping(host string) error {
	scheme := "https"
	if p.allowInsecure {
		scheme = "http"
	}

	resp, err := p.client.Get(fmt.Sprintf("%s://%s/ping", scheme, host))
	if err != nil {
		if isTLSError(err) {
			return fmt.Errorf("%w: %s", ErrPingTLS, host)
		}
		return fmt.Errorf("%w: %s", ErrPingFailed, host)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPingFailed, host)
	}

	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != `{"ping":"pong"}` {
		return fmt.Errorf("%w: %s", ErrPingFailed, host)
	}
	return nil
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	return errors.As(err, &recordErr)
}
