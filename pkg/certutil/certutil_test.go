package certutil

import "testing"

func TestServerConfigProducesUsableCertificate(t *testing.T) {
	cfg, err := ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate, got %d", len(cfg.Certificates))
	}
	if cfg.Certificates[0].PrivateKey == nil {
		t.Fatal("certificate has no private key")
	}
}

func TestClientConfigSkipsVerification(t *testing.T) {
	cfg := ClientConfig()
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify=true with no certificate distribution mechanism")
	}
}
