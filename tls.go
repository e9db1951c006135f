package main

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

type tlsMode string

const (
	tlsVerify   tlsMode = "verify"
	tlsInsecure tlsMode = "insecure"
	tlsPinned   tlsMode = "pinned"
)

func parseTLSMode(value string) (tlsMode, bool) {
	switch tlsMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", tlsVerify:
		return tlsVerify, true
	case tlsInsecure:
		return tlsInsecure, true
	case tlsPinned:
		return tlsPinned, true
	default:
		return "", false
	}
}

var errFingerprintMismatch = errors.New("server certificate fingerprint mismatch")

// buildTLSConfig returns the client configuration for the control channel.
// Murmur servers commonly run on self-signed certificates, hence the
// insecure and pinned modes.
func buildTLSConfig(cfg TLSConfig, serverName string) (*tls.Config, error) {
	mode, ok := parseTLSMode(cfg.Mode)
	if !ok {
		return nil, fmt.Errorf("unsupported tls mode: %s", cfg.Mode)
	}

	conf := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	switch mode {
	case tlsInsecure:
		conf.InsecureSkipVerify = true
	case tlsPinned:
		want, err := parseFingerprint(cfg.Fingerprint)
		if err != nil {
			return nil, err
		}
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPinnedCertificate(rawCerts, want)
		}
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s has no certificates", cfg.CAFile)
		}
		conf.RootCAs = pool
	}

	return conf, nil
}

// parseFingerprint accepts a SHA-256 digest as plain hex or colon-separated
// pairs, in any case.
func parseFingerprint(value string) ([]byte, error) {
	cleaned := strings.ToLower(strings.TrimSpace(value))
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	if cleaned == "" {
		return nil, fmt.Errorf("tls fingerprint is required in pinned mode")
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid tls fingerprint: %w", err)
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("tls fingerprint must be %d bytes, got %d", sha256.Size, len(raw))
	}
	return raw, nil
}

func verifyPinnedCertificate(rawCerts [][]byte, want []byte) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("server presented no certificate")
	}
	sum := sha256.Sum256(rawCerts[0])
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return fmt.Errorf("%w: got %s", errFingerprintMismatch, hex.EncodeToString(sum[:]))
	}
	return nil
}
