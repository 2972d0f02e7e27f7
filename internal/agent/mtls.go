package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/launchpad/internal/providers"
)

// MTLSConfig holds mutual TLS configuration
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// Enabled reports whether a server certificate is configured.
func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" || c.ServerKey != "" }

// LoadMTLSConfig takes the agent.tls section; LAUNCHPAD_AGENT_TLS_* variables win.
func LoadMTLSConfig(cfg providers.Config) MTLSConfig {
	c := MTLSConfig{
		ServerCert:   cfg.Agent.TLS.Cert,
		ServerKey:    cfg.Agent.TLS.Key,
		ClientCACert: cfg.Agent.TLS.ClientCA,
		RequireAuth:  cfg.Agent.TLS.RequireMTLS,
	}
	if v := os.Getenv("LAUNCHPAD_AGENT_TLS_CERT"); v != "" {
		c.ServerCert = v
	}
	if v := os.Getenv("LAUNCHPAD_AGENT_TLS_KEY"); v != "" {
		c.ServerKey = v
	}
	if v := os.Getenv("LAUNCHPAD_AGENT_CLIENT_CA"); v != "" {
		c.ClientCACert = v
	}
	if os.Getenv("LAUNCHPAD_AGENT_REQUIRE_MTLS") == "true" {
		c.RequireAuth = true
	}
	return c
}

// ConfigureTLS configures TLS for the HTTP server with optional mTLS
func (s *Server) ConfigureTLS(config MTLSConfig) (*tls.Config, error) {
	if config.ServerCert == "" || config.ServerKey == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, fmt.Errorf("client CA required for mTLS")
		}
		caCert, err := os.ReadFile(config.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		log.Info().
			Str("ca_cert", config.ClientCACert).
			Msg("mTLS client authentication enabled")
	}

	return tlsConfig, nil
}

// MTLSMiddleware rejects requests without a client certificate when required
// and tags authenticated requests with the certificate subject.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if requireAuth {
					http.Error(w, "client certificate required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			clientCert := r.TLS.PeerCertificates[0]
			r.Header.Set("X-Client-Subject", clientCert.Subject.String())
			r.Header.Set("X-Client-Serial", clientCert.SerialNumber.String())

			log.Debug().
				Str("subject", clientCert.Subject.String()).
				Str("serial", clientCert.SerialNumber.String()).
				Msg("mTLS client authenticated")

			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS serves the agent over TLS, verifying client certificates
// when config asks for it.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := s.ConfigureTLS(config)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           MTLSMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Bool("mtls_required", config.RequireAuth).
		Msg("Starting agent with TLS/mTLS")

	return s.srv.ListenAndServeTLS("", "")
}
