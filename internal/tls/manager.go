package tls

import (
	"crypto/tls"
	"fmt"
	"os"

	"golang.org/x/crypto/acme/autocert"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// Manager resolves the server certificate in order of preference:
// autocert (ACME), configured cert/key files, then a generated
// self-signed certificate for development.
type Manager struct {
	cfg      *config.ServerConfig
	autoCert *autocert.Manager
}

func NewManager(cfg *config.ServerConfig) *Manager {
	m := &Manager{cfg: cfg}
	if cfg.EnableTLS && cfg.AutoCert {
		m.setupAutoCert()
	}
	return m
}

func (m *Manager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0700); err != nil {
		util.Warn("could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	util.Info("autocert configured",
		util.String("domain", m.cfg.Domain),
		util.String("cache_dir", m.cfg.AutoCertDir),
	)
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err == nil {
			return &cert, nil
		}
	}

	return m.selfSignedCert()
}

func (m *Manager) selfSignedCert() (*tls.Certificate, error) {
	hosts := []string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"}
	cert, err := generateDevCert(m.cfg.AutoCertDir, hosts)
	if err != nil {
		return nil, fmt.Errorf("self-signed certificate: %w", err)
	}
	return &cert, nil
}

func (m *Manager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
