package commands

import (
	"fmt"
	"os"

	"github.com/allisson/secretsd/internal/authz"
	"github.com/allisson/secretsd/internal/config"
)

// RunCheckConfig validates the daemon configuration without starting it: the
// rules file must parse, the store and master key files must exist, and the
// remote transport's TLS material must be present when enabled. Intended for
// use in deployment pipelines before a restart.
func RunCheckConfig(stdio IOTuple) error {
	cfg := config.Load()

	rules, err := authz.LoadRules(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("rules check failed: %w", err)
	}
	fmt.Fprintf(stdio.Writer, "rules: %d rule(s) loaded from %s\n", len(rules), cfg.RulesPath)

	for _, check := range []struct {
		name string
		path string
	}{
		{"store file", cfg.StorePath},
		{"master key file", cfg.MasterKeyFile},
	} {
		if _, err := os.Stat(check.path); err != nil {
			return fmt.Errorf("%s check failed: %w", check.name, err)
		}
		fmt.Fprintf(stdio.Writer, "%s: %s\n", check.name, check.path)
	}

	if cfg.RemoteEnabled {
		for _, check := range []struct {
			name string
			path string
		}{
			{"TLS certificate", cfg.TLSCertFile},
			{"TLS key", cfg.TLSKeyFile},
			{"client CA", cfg.TLSClientCAFile},
		} {
			if check.path == "" {
				return fmt.Errorf("%s is required when the remote transport is enabled", check.name)
			}
			if _, err := os.Stat(check.path); err != nil {
				return fmt.Errorf("%s check failed: %w", check.name, err)
			}
			fmt.Fprintf(stdio.Writer, "%s: %s\n", check.name, check.path)
		}
		if len(config.SplitList(cfg.CertAllowedCNs)) == 0 {
			return fmt.Errorf("CERT_ALLOWED_CNS is required when the remote transport is enabled")
		}
	}

	if len(config.SplitList(cfg.ProcessAllowedExecutables)) == 0 {
		fmt.Fprintf(stdio.Writer, "warning: PROCESS_ALLOWED_EXECUTABLES is empty; no local client can authenticate\n")
	}

	fmt.Fprintf(stdio.Writer, "configuration ok\n")
	return nil
}
