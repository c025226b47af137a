// ABOUTME: Tests for appservice registration file generation
// ABOUTME: Covers token shape, namespaces, compat mode, and overwrite refusal

package config

import (
	"path/filepath"
	"strings"
	"testing"

	"maunium.net/go/mautrix/appservice"
)

func TestGenerateRegistration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.yaml")

	reg, err := GenerateRegistration(path, "127.0.0.1", 28464, false)
	if err != nil {
		t.Fatalf("GenerateRegistration() error = %v", err)
	}

	loaded, err := appservice.LoadRegistration(path)
	if err != nil {
		t.Fatalf("LoadRegistration() error = %v", err)
	}

	if loaded.ID != "zulipbridge" {
		t.Errorf("ID = %q, want %q", loaded.ID, "zulipbridge")
	}
	if loaded.SenderLocalpart != "zulipbridge" {
		t.Errorf("SenderLocalpart = %q, want %q", loaded.SenderLocalpart, "zulipbridge")
	}
	if loaded.URL != "http://127.0.0.1:28464" {
		t.Errorf("URL = %q, want %q", loaded.URL, "http://127.0.0.1:28464")
	}
	if len(loaded.AppToken) != 64 {
		t.Errorf("as_token length = %d, want 64", len(loaded.AppToken))
	}
	if len(loaded.ServerToken) != 64 {
		t.Errorf("hs_token length = %d, want 64", len(loaded.ServerToken))
	}
	if loaded.AppToken == loaded.ServerToken {
		t.Error("as_token and hs_token must be distinct")
	}
	if loaded.RateLimited == nil || *loaded.RateLimited {
		t.Error("rate_limited must be present and false")
	}
	if len(loaded.Namespaces.UserIDs) != 1 {
		t.Fatalf("user namespaces = %d, want 1", len(loaded.Namespaces.UserIDs))
	}
	ns := loaded.Namespaces.UserIDs[0]
	if ns.Regex != GhostUserRegex || !ns.Exclusive {
		t.Errorf("namespace = %+v, want exclusive %q", ns, GhostUserRegex)
	}

	if reg.AppToken != loaded.AppToken {
		t.Error("returned registration does not match the written file")
	}
}

func TestGenerateRegistration_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.yaml")

	if _, err := GenerateRegistration(path, "127.0.0.1", 28464, false); err != nil {
		t.Fatalf("first GenerateRegistration() error = %v", err)
	}

	_, err := GenerateRegistration(path, "127.0.0.1", 28464, false)
	if err == nil {
		t.Fatal("second GenerateRegistration() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "not overwriting") {
		t.Errorf("error = %q, want overwrite refusal", err.Error())
	}
}

func TestGenerateRegistration_CompatMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.yaml")

	if _, err := GenerateRegistration(path, "10.0.0.5", 9000, true); err != nil {
		t.Fatalf("GenerateRegistration() error = %v", err)
	}

	loaded, err := appservice.LoadRegistration(path)
	if err != nil {
		t.Fatalf("LoadRegistration() error = %v", err)
	}
	if loaded.URL != "http://10.0.0.5:9000" {
		t.Errorf("URL = %q, want %q", loaded.URL, "http://10.0.0.5:9000")
	}
	if len(loaded.Namespaces.UserIDs) != 2 {
		t.Fatalf("user namespaces = %d, want 2 in compat mode", len(loaded.Namespaces.UserIDs))
	}
	if loaded.Namespaces.UserIDs[1].Regex != "@zulipbridge:.*" {
		t.Errorf("compat namespace = %q, want %q", loaded.Namespaces.UserIDs[1].Regex, "@zulipbridge:.*")
	}
}
