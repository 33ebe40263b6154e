// Package provision runs the provisioning steps attached to a fleet
// VM definition over an already-connected remote shell (spec §4.7):
// inline shell commands, uploaded shell scripts, and plain file
// copies, executed sequentially and halting on the first failure.
package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Toasterson/vm-manager/internal/sshtransport"
	"github.com/Toasterson/vm-manager/internal/vmerr"
)

// Kind identifies the provisioning step variant.
type Kind string

const (
	KindShell Kind = "shell"
	KindFile  Kind = "file"
)

// Step is one provisioning step. For KindShell exactly one of Inline
// or Script is set; for KindFile both Source and Destination are set.
type Step struct {
	Kind        Kind
	Inline      string
	Script      string
	Source      string
	Destination string
}

// ExpandTilde expands a leading "~" or "~/" to the user's home directory.
func ExpandTilde(s string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/root"
	}
	if s == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(s, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return s
}

// ResolvePath expands a tilde-prefixed path and, if the result is
// still relative, joins it against baseDir.
func ResolvePath(raw, baseDir string) string {
	expanded := ExpandTilde(raw)
	if filepath.IsAbs(expanded) {
		return expanded
	}
	return filepath.Join(baseDir, expanded)
}

// Run executes steps in order against sess, stopping at the first
// failure. Step numbers in error messages are 1-indexed.
func Run(sess *sshtransport.Session, steps []Step, baseDir, vmName string) error {
	for i, step := range steps {
		stepNum := i + 1
		var err error
		switch step.Kind {
		case KindShell:
			err = runShell(sess, step, baseDir, vmName, stepNum)
		case KindFile:
			err = runFile(sess, step, baseDir, vmName, stepNum)
		default:
			err = fmt.Errorf("unknown provision kind %q", step.Kind)
		}
		if err != nil {
			return vmerr.Wrap(vmerr.KindProvisionFailed, err, "vm %s step %d", vmName, stepNum)
		}
	}
	return nil
}

func runShell(sess *sshtransport.Session, step Step, baseDir, vmName string, stepNum int) error {
	if step.Inline != "" {
		stdout, stderr, exitCode, err := sess.Exec(step.Inline)
		if err != nil {
			return fmt.Errorf("shell exec: %w", err)
		}
		if exitCode != 0 {
			return fmt.Errorf("inline command exited with code %d\nstdout: %s\nstderr: %s", exitCode, stdout, stderr)
		}
		return nil
	}

	localPath := ResolvePath(step.Script, baseDir)
	remotePath := fmt.Sprintf("/tmp/vmctl-provision-%d.sh", stepNum)

	if err := sess.Upload(localPath, remotePath); err != nil {
		return fmt.Errorf("upload script: %w", err)
	}

	runCmd := fmt.Sprintf("chmod +x %s && %s", remotePath, remotePath)
	stdout, stderr, exitCode, err := sess.Exec(runCmd)
	if err != nil {
		return fmt.Errorf("script exec: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("script exited with code %d\nstdout: %s\nstderr: %s", exitCode, stdout, stderr)
	}
	return nil
}

func runFile(sess *sshtransport.Session, step Step, baseDir, vmName string, _ int) error {
	localPath := ResolvePath(step.Source, baseDir)
	if err := sess.Upload(localPath, step.Destination); err != nil {
		return fmt.Errorf("file upload: %w", err)
	}
	return nil
}
