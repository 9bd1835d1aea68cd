// Package certstore loads and caches the certificate material rules use
// to terminate or originate TLS, and staples OCSP responses onto
// certificates that advertise an OCSP responder.
package certstore

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/loxip/sockproxyd/internal/fsutil"
	"github.com/loxip/sockproxyd/internal/registry"
)

// certFile and keyFile are the filenames looked up under a host's
// directory, or directly under Store.root for the fallback certificate.
const (
	certFile    = "server.crt"
	keyFile     = "server.key"
	stapleCache = "ocsp.resp"
)

// Store resolves TLS certificate material by host, following
// <root>/<host>/server.{crt,key} with a fallback to <root>/server.{crt,key}
// when no per-host directory exists.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// New returns a Store rooted at root.
func New(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:   root,
		logger: logger.With("component", "certstore"),
		cache:  make(map[string]*tls.Certificate),
	}
}

// Builder returns a registry.TLSBuilder that resolves certificates
// per-SNI via GetCertificate, falling back to the store root's
// certificate when no host-specific directory exists. When caDir is
// non-empty, client certificates are required and verified against every
// PEM file under it (mutual TLS).
func (s *Store) Builder(caDir string) registry.TLSBuilder {
	return func() (*tls.Config, error) {
		// Fail fast if the fallback certificate cannot be loaded at all;
		// every rule needs at least one usable certificate at Add time.
		if _, err := s.load(""); err != nil {
			return nil, err
		}

		cfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				return s.load(hello.ServerName)
			},
		}

		if caDir != "" {
			pool, err := loadCAPool(caDir)
			if err != nil {
				return nil, fmt.Errorf("certstore: load CA pool %s: %w", caDir, err)
			}
			cfg.ClientCAs = pool
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}

		return cfg, nil
	}
}

// load returns the certificate for host, loading and caching it on first
// use. host == "" looks directly under the store root.
func (s *Store) load(host string) (*tls.Certificate, error) {
	key := sanitizeHost(host)

	s.mu.RLock()
	cert, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cert, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cert, ok := s.cache[key]; ok {
		return cert, nil
	}

	dir := s.root
	if key != "" {
		dir = filepath.Join(s.root, key)
		if _, err := os.Stat(dir); err != nil {
			dir = s.root // no per-host directory: fall back to the root cert
		}
	}

	loaded, err := tls.LoadX509KeyPair(filepath.Join(dir, certFile), filepath.Join(dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("certstore: load %s: %w", dir, err)
	}

	if staple, err := s.stapleFor(dir, &loaded); err != nil {
		s.logger.Warn("OCSP stapling unavailable", "dir", dir, "error", err)
	} else {
		loaded.OCSPStaple = staple
	}

	s.cache[key] = &loaded
	return &loaded, nil
}

// stapleFor fetches (and file-caches) an OCSP response for cert, reusing
// a still-valid cached response from dir/ocsp.resp before hitting the
// network.
func (s *Store) stapleFor(dir string, cert *tls.Certificate) ([]byte, error) {
	if len(cert.Certificate) < 2 {
		return nil, fmt.Errorf("no issuer certificate bundled for OCSP stapling")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, err
	}
	if len(leaf.OCSPServer) == 0 {
		return nil, fmt.Errorf("certificate advertises no OCSP responder")
	}
	issuer, err := x509.ParseCertificate(cert.Certificate[1])
	if err != nil {
		return nil, err
	}

	if cached, ok := readCachedStaple(dir, issuer); ok {
		return cached, nil
	}

	req, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("build OCSP request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(leaf.OCSPServer[0], "application/ocsp-request", bytes.NewReader(req))
	if err != nil {
		return nil, fmt.Errorf("fetch OCSP response: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read OCSP response: %w", err)
	}

	if _, err := ocsp.ParseResponseForCert(body, leaf, issuer); err != nil {
		return nil, fmt.Errorf("parse OCSP response: %w", err)
	}

	if err := fsutil.WriteFileAtomic(dir, stapleCache, body, 0o644); err != nil {
		s.logger.Warn("failed to cache OCSP staple", "dir", dir, "error", err)
	}

	return body, nil
}

func readCachedStaple(dir string, issuer *x509.Certificate) ([]byte, bool) {
	body, err := os.ReadFile(filepath.Join(dir, stapleCache))
	if err != nil {
		return nil, false
	}
	resp, err := ocsp.ParseResponse(body, issuer)
	if err != nil {
		return nil, false
	}
	if time.Now().After(resp.NextUpdate) {
		return nil, false
	}
	return body, true
}

func loadCAPool(dir string) (*x509.CertPool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if pool.AppendCertsFromPEM(data) {
			loaded++
		}
	}
	if loaded == 0 {
		return nil, fmt.Errorf("no CA certificates found under %s", dir)
	}
	return pool, nil
}

// sanitizeHost strips a port suffix and rejects path traversal, matching
// the hostname portion of a Host header.
func sanitizeHost(host string) string {
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	if strings.ContainsAny(host, "/\\") || host == ".." {
		return ""
	}
	return host
}

func splitHostPort(hostport string) (host, port string, err error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return hostport, "", fmt.Errorf("no port")
	}
	return hostport[:i], hostport[i+1:], nil
}
