// Package trust supplies per-account TLS configuration for attachment hosts.
package trust

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatstore/storage"
)

var (
	// ErrConfiguration indicates no TLS configuration could be produced.
	ErrConfiguration = errors.New("trust: transport configuration unavailable")
	// ErrUntrusted indicates a server certificate failed both chain
	// verification and the memorized certificate lookup.
	ErrUntrusted = errors.New("trust: server certificate not trusted")
)

// Provider produces the TLS configuration used to reach attachment hosts for
// an account.
type Provider interface {
	TransportConfig(account string) (*tls.Config, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(account string) (*tls.Config, error)

// TransportConfig calls f.
func (f ProviderFunc) TransportConfig(account string) (*tls.Config, error) {
	return f(account)
}

// Static returns a provider handing out clones of cfg for every account.
func Static(cfg *tls.Config) Provider {
	return ProviderFunc(func(string) (*tls.Config, error) {
		if cfg == nil {
			return nil, fmt.Errorf("%w: no tls config", ErrConfiguration)
		}
		return cfg.Clone(), nil
	})
}

// CertificateStore persists the certificates a user accepted.
type CertificateStore interface {
	IsCertificateTrusted(ctx context.Context, account, fingerprint string) (bool, error)
	TrustCertificate(ctx context.Context, cert storage.TrustedCertificate) error
}

// MemorizingOptions configures NewMemorizingProvider.
type MemorizingOptions struct {
	// Roots replaces the system certificate pool when set.
	Roots *x509.CertPool
	// LookupTimeout bounds the memorized certificate lookup during a handshake.
	LookupTimeout time.Duration
	Logger        logrus.FieldLogger
}

// MemorizingProvider accepts servers whose chain verifies against the root
// pool, falling back to certificates memorized for the account.
type MemorizingProvider struct {
	store         CertificateStore
	lookupTimeout time.Duration
	logger        logrus.FieldLogger

	rootsMu sync.Mutex
	roots   *x509.CertPool
}

// NewMemorizingProvider creates a provider backed by store.
func NewMemorizingProvider(store CertificateStore, opts MemorizingOptions) *MemorizingProvider {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &MemorizingProvider{
		store:         store,
		lookupTimeout: opts.LookupTimeout,
		logger:        opts.Logger,
		roots:         opts.Roots,
	}
}

// TransportConfig returns a TLS configuration scoped to account.
func (p *MemorizingProvider) TransportConfig(account string) (*tls.Config, error) {
	if account == "" {
		return nil, fmt.Errorf("%w: account is required", ErrConfiguration)
	}
	if p.store == nil {
		return nil, fmt.Errorf("%w: certificate store is not configured", ErrConfiguration)
	}

	roots, err := p.rootPool()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Chain verification happens in VerifyConnection so memorized
		// certificates can be accepted.
		InsecureSkipVerify: true,
		VerifyConnection: func(state tls.ConnectionState) error {
			return p.verify(account, roots, state)
		},
	}, nil
}

// Memorize records cert as trusted for account.
func (p *MemorizingProvider) Memorize(ctx context.Context, account string, cert *x509.Certificate) error {
	if cert == nil {
		return errors.New("certificate is required")
	}
	fingerprint := CertificateFingerprint(cert)
	if err := p.store.TrustCertificate(ctx, storage.TrustedCertificate{
		Account:     account,
		Fingerprint: fingerprint,
		Subject:     cert.Subject.String(),
	}); err != nil {
		return fmt.Errorf("memorize certificate: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"function":    "Memorize",
		"account":     account,
		"fingerprint": FormatFingerprint(fingerprint),
	}).Info("Certificate memorized")
	return nil
}

func (p *MemorizingProvider) rootPool() (*x509.CertPool, error) {
	p.rootsMu.Lock()
	defer p.rootsMu.Unlock()

	if p.roots != nil {
		return p.roots, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("%w: load system roots: %v", ErrConfiguration, err)
	}
	p.roots = pool
	return pool, nil
}

func (p *MemorizingProvider) verify(account string, roots *x509.CertPool, state tls.ConnectionState) error {
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: server presented no certificate", ErrUntrusted)
	}
	leaf := state.PeerCertificates[0]

	intermediates := x509.NewCertPool()
	for _, cert := range state.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}
	_, verifyErr := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		DNSName:       state.ServerName,
		Intermediates: intermediates,
	})
	if verifyErr == nil {
		return nil
	}

	fingerprint := CertificateFingerprint(leaf)
	ctx, cancel := context.WithTimeout(context.Background(), p.lookupTimeout)
	defer cancel()

	trusted, err := p.store.IsCertificateTrusted(ctx, account, fingerprint)
	if err != nil {
		return fmt.Errorf("check memorized certificate: %w", err)
	}
	if trusted {
		p.logger.WithFields(logrus.Fields{
			"function":    "verify",
			"account":     account,
			"server":      state.ServerName,
			"fingerprint": FormatFingerprint(fingerprint),
		}).Debug("Accepted memorized certificate")
		return nil
	}

	return fmt.Errorf("%w: %s (fingerprint %s): %v", ErrUntrusted, leaf.Subject, FormatFingerprint(fingerprint), verifyErr)
}

// CertificateFingerprint returns the lowercase SHA-256 hex digest of the DER certificate.
func CertificateFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint groups fingerprint characters in uppercase blocks of four.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}
	return b.String()
}
