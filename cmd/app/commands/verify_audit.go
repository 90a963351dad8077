package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/allisson/secretsd/internal/audit"
	"github.com/allisson/secretsd/internal/config"
	"github.com/allisson/secretsd/internal/store"
)

// RunVerifyAudit verifies the HMAC-SHA256 signatures of an audit log file for
// tamper detection. The signing key is re-derived from the master key file, so
// verification needs the same key material the daemon ran with.
func RunVerifyAudit(ctx context.Context, stdio IOTuple, auditPath string) error {
	cfg := config.Load()
	if auditPath == "" {
		auditPath = cfg.AuditPath
	}
	if auditPath == "stdout" {
		return fmt.Errorf("audit sink is stdout; pass the captured log file path")
	}

	keys := store.NewFileKeySource(cfg.MasterKeyFile, cfg.KMSKeyURI)
	defer keys.Destroy()

	var signer *audit.Signer
	err := keys.Passphrase(ctx, func(passphrase []byte) error {
		var serr error
		signer, serr = audit.NewSigner(passphrase)
		return serr
	})
	if err != nil {
		return fmt.Errorf("failed to derive audit signing key: %w", err)
	}
	defer signer.Destroy()

	f, err := os.Open(auditPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var total, valid, invalid, unsigned int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		total++

		var entry audit.Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			invalid++
			continue
		}
		if len(entry.Signature) == 0 {
			unsigned++
			continue
		}
		if signer.Verify(&entry) {
			valid++
		} else {
			invalid++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	fmt.Fprintf(stdio.Writer, "Audit Log Integrity Verification\n")
	fmt.Fprintf(stdio.Writer, "file:     %s\n", auditPath)
	fmt.Fprintf(stdio.Writer, "checked:  %d\n", total)
	fmt.Fprintf(stdio.Writer, "valid:    %d\n", valid)
	fmt.Fprintf(stdio.Writer, "invalid:  %d\n", invalid)
	fmt.Fprintf(stdio.Writer, "unsigned: %d\n", unsigned)

	if invalid > 0 {
		return fmt.Errorf("integrity check failed: %d invalid entr(ies)", invalid)
	}
	return nil
}
