package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/madflojo/testcerts"
)

/*
writeTree creates files under dir (slash
separated names).
A name ending in "/" creates an empty
directory.
*/
func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if name[len(name)-1] == '/' {
			if err := os.MkdirAll(p, 0755); err != nil {
				t.Fatal(err.Error())
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err.Error())
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err.Error())
		}
	}
}

func writeCertPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	cert, key, err := testcerts.GenerateCerts()
	if err != nil {
		t.Fatal(err.Error())
	}
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, cert, 0600); err != nil {
		t.Fatal(err.Error())
	}
	if err := os.WriteFile(keyFile, key, 0600); err != nil {
		t.Fatal(err.Error())
	}
	return
}

func mustSnapshot(t *testing.T) *TLSSnapshot {
	t.Helper()
	cert, key, err := testcerts.GenerateCerts()
	if err != nil {
		t.Fatal(err.Error())
	}
	snap, err := ParseSnapshot(cert, key, time.Now())
	if err != nil {
		t.Fatal(err.Error())
	}
	return snap
}

func copyFile(t *testing.T, from, to string) {
	t.Helper()
	b, err := os.ReadFile(from)
	if err != nil {
		t.Fatal(err.Error())
	}
	if err := os.WriteFile(to, b, 0600); err != nil {
		t.Fatal(err.Error())
	}
}
