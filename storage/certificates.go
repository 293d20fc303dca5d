package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TrustCertificate memorizes a certificate fingerprint the user accepted for an account.
func (s *Store) TrustCertificate(ctx context.Context, cert TrustedCertificate) error {
	if cert.Account == "" {
		return errors.New("account is required")
	}
	cert.Fingerprint = strings.ToLower(strings.TrimSpace(cert.Fingerprint))
	if cert.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if cert.AddedTimestamp == 0 {
		cert.AddedTimestamp = nowUnixMilli()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO trusted_certificates (account, fingerprint, subject, added_timestamp)
		VALUES (:account, :fingerprint, :subject, :added_timestamp)
		ON CONFLICT(account, fingerprint) DO UPDATE SET subject = excluded.subject`,
		cert,
	)
	if err != nil {
		return fmt.Errorf("trust certificate %q for %q: %w", cert.Fingerprint, cert.Account, err)
	}
	return nil
}

// IsCertificateTrusted reports whether a fingerprint was memorized for an account.
func (s *Store) IsCertificateTrusted(ctx context.Context, account, fingerprint string) (bool, error) {
	if account == "" || fingerprint == "" {
		return false, errors.New("account and fingerprint are required")
	}

	var exists int
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM trusted_certificates WHERE account = ? AND fingerprint = ?)`,
		account,
		strings.ToLower(fingerprint),
	); err != nil {
		return false, fmt.Errorf("check trusted certificate %q: %w", fingerprint, err)
	}
	return exists == 1, nil
}

// ListTrustedCertificates returns memorized certificates for an account, newest first.
func (s *Store) ListTrustedCertificates(ctx context.Context, account string) ([]TrustedCertificate, error) {
	if account == "" {
		return nil, errors.New("account is required")
	}

	certs := make([]TrustedCertificate, 0)
	if err := s.db.SelectContext(ctx, &certs,
		`SELECT account, fingerprint, subject, added_timestamp
		FROM trusted_certificates
		WHERE account = ?
		ORDER BY added_timestamp DESC, fingerprint`,
		account,
	); err != nil {
		return nil, fmt.Errorf("list trusted certificates for %q: %w", account, err)
	}
	return certs, nil
}

// RevokeCertificate forgets a memorized certificate.
func (s *Store) RevokeCertificate(ctx context.Context, account, fingerprint string) error {
	if account == "" || fingerprint == "" {
		return errors.New("account and fingerprint are required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trusted_certificates WHERE account = ? AND fingerprint = ?`,
		account,
		strings.ToLower(fingerprint),
	)
	if err != nil {
		return fmt.Errorf("revoke certificate %q for %q: %w", fingerprint, account, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for revoke certificate %q: %w", fingerprint, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
