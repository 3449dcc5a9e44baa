package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validConfig = `
[signer]
private_key_path = "identity.key"
candidate_signers = ["0200000000000000000000000000000000000000000000000000000000000001"]
threshold = 1
sbtc_bitcoin_start_height = 100

[bitcoin]
rpc_endpoints = ["http://localhost:8332"]

[stacks]
rpc_endpoints = ["http://localhost:20443"]

[database]
dsn = "/tmp/signer-state.json"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signer.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write config fixture: %v", err)
	}
	return path
}

func TestLoadAcceptsWellFormedConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Signer.CandidateSigners) != 1 {
		t.Fatalf("expected one candidate signer, got %d", len(cfg.Signer.CandidateSigners))
	}
	if cfg.Signer.Threshold != 1 {
		t.Fatalf("Threshold = %d, want 1", cfg.Signer.Threshold)
	}
}

func TestLoadFailsClosedWithoutCandidateSigners(t *testing.T) {
	path := writeConfig(t, `
[signer]
private_key_path = "identity.key"
sbtc_bitcoin_start_height = 100

[bitcoin]
rpc_endpoints = ["http://localhost:8332"]

[stacks]
rpc_endpoints = ["http://localhost:20443"]

[database]
dsn = "/tmp/signer-state.json"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail closed when signer.candidate_signers is absent")
	}
}

func TestLoadFailsClosedWhenThresholdExceedsCandidateCount(t *testing.T) {
	path := writeConfig(t, `
[signer]
private_key_path = "identity.key"
candidate_signers = ["0200000000000000000000000000000000000000000000000000000000000001"]
threshold = 2
sbtc_bitcoin_start_height = 100

[bitcoin]
rpc_endpoints = ["http://localhost:8332"]

[stacks]
rpc_endpoints = ["http://localhost:20443"]

[database]
dsn = "/tmp/signer-state.json"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail closed when threshold exceeds the candidate count")
	}
}

func TestEnvOverrideAppliesCandidateSignersAndThreshold(t *testing.T) {
	path := writeConfig(t, validConfig)

	t.Setenv("SIGNER_SIGNER__CANDIDATE_SIGNERS", "02aa,02bb,02cc")
	t.Setenv("SIGNER_SIGNER__THRESHOLD", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Signer.CandidateSigners) != 3 {
		t.Fatalf("expected env override to replace candidate_signers with 3 entries, got %d", len(cfg.Signer.CandidateSigners))
	}
	if cfg.Signer.Threshold != 2 {
		t.Fatalf("Threshold = %d, want 2 after env override", cfg.Signer.Threshold)
	}
}
