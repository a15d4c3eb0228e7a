package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("REDIS_TLS", "false")
	t.Setenv("REDIS_REQUIRE_TLS", "false")

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("expected redis client, got %v", err)
	}
	defer client.Close()
}

func TestNewRedisIfConfigured(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	client, err := NewRedisIfConfigured(context.Background())
	if err != nil {
		t.Fatalf("unset address must not error: %v", err)
	}
	if client != nil {
		client.Close()
		t.Fatal("expected nil client when no address is configured")
	}

	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_TLS", "false")
	t.Setenv("REDIS_REQUIRE_TLS", "false")
	client, err = NewRedisIfConfigured(context.Background())
	if err == nil {
		if client != nil {
			client.Close()
		}
		t.Fatal("expected error for configured but unreachable address")
	}
}

func TestNewRedisReturnsErrorWhenUnreachable(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_DB", "1")
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_TLS", "false")
	t.Setenv("REDIS_REQUIRE_TLS", "false")

	client, err := NewRedis(context.Background())
	if err == nil {
		if client != nil {
			_ = client.Close()
		}
		t.Fatal("expected ping failure for closed port")
	}
}

func TestNewRedisRejectsPlaintextWhenTLSRequired(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	t.Setenv("REDIS_TLS", "false")

	client, err := NewRedis(context.Background())
	if err == nil {
		if client != nil {
			client.Close()
		}
		t.Fatal("expected tls requirement error")
	}
	if !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func TestLoadRedisTLSConfig(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		t.Setenv("REDIS_TLS", "false")
		cfg, err := loadRedisTLSConfigFromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg != nil {
			t.Fatal("expected nil TLS config when REDIS_TLS is false")
		}
	})

	t.Run("server_name_and_insecure", func(t *testing.T) {
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_INSECURE", "true")
		t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
		t.Setenv("REDIS_TLS_SERVER_NAME", "redis.jewgo.internal")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
		t.Setenv("REDIS_TLS_CERT_FILE", "")
		t.Setenv("REDIS_TLS_KEY_FILE", "")

		cfg, err := loadRedisTLSConfigFromEnv()
		if err != nil {
			t.Fatalf("unexpected tls config error: %v", err)
		}
		if cfg == nil || !cfg.InsecureSkipVerify {
			t.Fatal("expected insecure skip verify to be set")
		}
		if cfg.ServerName != "redis.jewgo.internal" {
			t.Fatalf("unexpected server name %q", cfg.ServerName)
		}
	})

	t.Run("insecure_requires_explicit_allow", func(t *testing.T) {
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_INSECURE", "true")
		t.Setenv("REDIS_ALLOW_INSECURE_TLS", "false")
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected insecure tls guard error")
		}
	})

	t.Run("ca_and_mtls", func(t *testing.T) {
		tmp := t.TempDir()
		certPEM, keyPEM := selfSignedPEM(t)
		caPath := filepath.Join(tmp, "ca.pem")
		certPath := filepath.Join(tmp, "client.pem")
		keyPath := filepath.Join(tmp, "client-key.pem")
		for path, data := range map[string][]byte{caPath: certPEM, certPath: certPEM, keyPath: keyPEM} {
			if err := os.WriteFile(path, data, 0o600); err != nil {
				t.Fatalf("write %s: %v", path, err)
			}
		}
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_INSECURE", "false")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", caPath)
		t.Setenv("REDIS_TLS_CERT_FILE", certPath)
		t.Setenv("REDIS_TLS_KEY_FILE", keyPath)

		cfg, err := loadRedisTLSConfigFromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.RootCAs == nil {
			t.Fatal("expected RootCAs to be populated")
		}
		if len(cfg.Certificates) != 1 {
			t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
		}
	})

	t.Run("cert_without_key", func(t *testing.T) {
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
		t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/client.pem")
		t.Setenv("REDIS_TLS_KEY_FILE", "")
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected error for incomplete mTLS configuration")
		}
	})

	t.Run("bad_ca_pem", func(t *testing.T) {
		ca := filepath.Join(t.TempDir(), "bad-ca.pem")
		if err := os.WriteFile(ca, []byte("not-a-certificate"), 0o600); err != nil {
			t.Fatalf("write bad ca: %v", err)
		}
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", ca)
		t.Setenv("REDIS_TLS_CERT_FILE", "")
		t.Setenv("REDIS_TLS_KEY_FILE", "")
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected invalid ca pem error")
		}
	})

	t.Run("bad_keypair", func(t *testing.T) {
		dir := t.TempDir()
		cert := filepath.Join(dir, "cert.pem")
		key := filepath.Join(dir, "key.pem")
		if err := os.WriteFile(cert, []byte("bad-cert"), 0o600); err != nil {
			t.Fatalf("write bad cert: %v", err)
		}
		if err := os.WriteFile(key, []byte("bad-key"), 0o600); err != nil {
			t.Fatalf("write bad key: %v", err)
		}
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
		t.Setenv("REDIS_TLS_CERT_FILE", cert)
		t.Setenv("REDIS_TLS_KEY_FILE", key)
		if _, err := loadRedisTLSConfigFromEnv(); err == nil {
			t.Fatal("expected invalid mTLS keypair error")
		}
	})
}

func selfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}
