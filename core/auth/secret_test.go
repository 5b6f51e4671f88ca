package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPrefersExplicitValue(t *testing.T) {
	t.Setenv("SM_NODE__CORE__TOKEN", "from-env")
	s, err := Load("from-flag", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.String() != "from-flag" {
		t.Fatalf("secret = %q, want from-flag", s.String())
	}
}

func TestLoadFallsBackToEnvVar(t *testing.T) {
	t.Setenv("SM_NODE__CORE__TOKEN", "from-env")
	s, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.String() != "from-env" {
		t.Fatalf("secret = %q, want from-env", s.String())
	}
}

func TestLoadGeneratesAndPersistsWhenNothingSupplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetcore.secret")
	s1, err := Load("", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s1.String() == "" {
		t.Fatal("expected a generated non-empty secret")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected the secret to be persisted at %s: %v", path, err)
	}

	s2, err := Load("", path)
	if err != nil {
		t.Fatalf("Load (second run): %v", err)
	}
	if s2.String() != s1.String() {
		t.Fatal("expected the second Load to reuse the persisted secret, not generate a new one")
	}
}

func TestLoadWithoutAnySourceOrPathFails(t *testing.T) {
	if _, err := Load("", ""); err == nil {
		t.Fatal("expected an error when no secret and no persistence path are available")
	}
}

func TestCheckAcceptsOnlyTheExactSecret(t *testing.T) {
	s, _ := Load("shared-secret", "")
	if !s.Check("shared-secret") {
		t.Fatal("expected Check to accept the exact secret")
	}
	if s.Check("wrong") {
		t.Fatal("expected Check to reject a mismatched token")
	}
	if s.Check("") {
		t.Fatal("expected Check to reject an empty token")
	}
}

func TestCheckOnNilSecretIsAlwaysFalse(t *testing.T) {
	var s *Secret
	if s.Check("anything") {
		t.Fatal("a nil *Secret must never accept a token")
	}
}
