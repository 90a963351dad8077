package identity

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	apperrors "github.com/allisson/secretsd/internal/errors"
)

// ProcessValidator validates local-process identity against allow-lists.
type ProcessValidator struct {
	allowedExecutables []string
	allowedUsers       []string
	// trustedAncestors, when non-empty, requires the parent chain of the
	// authenticating process to contain one of these executables.
	trustedAncestors []string
	logger           *slog.Logger

	// procRoot is "/proc" outside of tests.
	procRoot string
}

// NewProcessValidator creates a validator with the configured allow-lists.
// An empty trustedAncestors disables the ancestor check.
func NewProcessValidator(
	allowedExecutables []string,
	allowedUsers []string,
	trustedAncestors []string,
	logger *slog.Logger,
) *ProcessValidator {
	return &ProcessValidator{
		allowedExecutables: allowedExecutables,
		allowedUsers:       allowedUsers,
		trustedAncestors:   trustedAncestors,
		logger:             logger,
		procRoot:           "/proc",
	}
}

// Validate resolves the OS-reported identity of pid and checks it against the
// allow-lists. pid must come from the transport's peer credentials, never from
// client-supplied data. claimedExecutable is the path the client claims to run
// as; a mismatch with the resolved path is a denial (guards spoofed claims).
//
// Every failure returns ErrAuthDenied (wrapped) with the reason preserved for
// the audit trail; no session state is touched here.
func (v *ProcessValidator) Validate(pid int, claimedExecutable string) (*VerifiedIdentity, error) {
	executable, err := v.resolveExecutable(pid)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthDenied, fmt.Sprintf("process %d not found", pid))
	}

	if claimedExecutable != "" && claimedExecutable != executable {
		return nil, apperrors.Wrap(apperrors.ErrAuthDenied,
			fmt.Sprintf("claimed executable %q does not match resolved %q", claimedExecutable, executable))
	}

	if !slices.Contains(v.allowedExecutables, executable) {
		return nil, apperrors.Wrap(apperrors.ErrAuthDenied,
			fmt.Sprintf("executable %q not in allow-list", executable))
	}

	owner, err := v.resolveOwner(pid)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthDenied,
			fmt.Sprintf("failed to resolve owner of process %d", pid))
	}
	if !slices.Contains(v.allowedUsers, owner) {
		return nil, apperrors.Wrap(apperrors.ErrAuthDenied,
			fmt.Sprintf("user %q not in allow-list", owner))
	}

	if len(v.trustedAncestors) > 0 {
		if err := v.checkAncestry(pid); err != nil {
			return nil, err
		}
	}

	v.logger.Debug("process identity verified",
		slog.Int("pid", pid),
		slog.String("executable", executable),
		slog.String("user", owner))

	return &VerifiedIdentity{
		ClientID: fmt.Sprintf("pid:%d", pid),
		Method:   MethodProcess,
		Metadata: map[string]any{
			"executable": executable,
			"user":       owner,
		},
	}, nil
}

// resolveExecutable returns the OS-reported executable path for pid.
func (v *ProcessValidator) resolveExecutable(pid int) (string, error) {
	exe, err := os.Readlink(fmt.Sprintf("%s/%d/exe", v.procRoot, pid))
	if err != nil {
		return "", err
	}
	// A deleted-but-running binary shows a " (deleted)" suffix; strip it so
	// allow-list comparison works on the path.
	return strings.TrimSuffix(exe, " (deleted)"), nil
}

// resolveOwner returns the username owning pid.
func (v *ProcessValidator) resolveOwner(pid int) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(fmt.Sprintf("%s/%d", v.procRoot, pid), &st); err != nil {
		return "", err
	}

	u, err := user.LookupId(strconv.FormatUint(uint64(st.Uid), 10))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// checkAncestry walks the parent chain of pid and requires it to contain one
// of the trusted ancestor executables before reaching init.
func (v *ProcessValidator) checkAncestry(pid int) error {
	current := pid
	for depth := 0; depth < 64; depth++ {
		parent, err := v.parentPID(current)
		if err != nil || parent <= 0 {
			break
		}

		executable, err := v.resolveExecutable(parent)
		if err == nil && slices.Contains(v.trustedAncestors, executable) {
			return nil
		}

		if parent == 1 {
			break
		}
		current = parent
	}

	return apperrors.Wrap(apperrors.ErrAuthDenied,
		fmt.Sprintf("no trusted ancestor in parent chain of process %d", pid))
}

// parentPID reads the ppid of pid from /proc/<pid>/stat. The comm field may
// contain spaces and parentheses, so parsing starts after the last ')'.
func (v *ProcessValidator) parentPID(pid int) (int, error) {
	raw, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", v.procRoot, pid))
	if err != nil {
		return 0, err
	}

	stat := string(raw)
	idx := strings.LastIndexByte(stat, ')')
	if idx < 0 || idx+2 >= len(stat) {
		return 0, apperrors.New("malformed stat file")
	}

	fields := strings.Fields(stat[idx+2:])
	if len(fields) < 2 {
		return 0, apperrors.New("malformed stat file")
	}
	return strconv.Atoi(fields[1])
}
