package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/sshtransport"
)

// sshKeyNames are tried, in order, under ~/.ssh when --key is not given.
var sshKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

func findSSHKey() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "/root"
	}
	sshDir := filepath.Join(home, ".ssh")
	for _, name := range sshKeyNames {
		p := filepath.Join(sshDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (a *app) cmdSSH(args []string) error {
	fs := flag.NewFlagSet("ssh", flag.ExitOnError)
	user := fs.String("user", "vm", "SSH user")
	key := fs.String("key", "", "path to SSH private key")
	_, _, h, err := a.requireVM(fs, args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	ip, err := a.router.GuestIP(ctx, h)
	if err != nil {
		return err
	}

	port := sshPortForHandle(h)

	keyPath := *key
	if keyPath == "" {
		keyPath = findSSHKey()
	}
	if keyPath == "" {
		return fmt.Errorf("no SSH key found — provide one with --key or ensure ~/.ssh/id_ed25519, ~/.ssh/id_ecdsa, or ~/.ssh/id_rsa exists")
	}

	cfg := model.SshConfig{User: *user, PrivateKeyPath: keyPath}

	fmt.Printf("Connecting to %s@%s:%d...\n", *user, ip, port)

	sess, err := sshtransport.ConnectWithRetry(ctx, ip, port, cfg, 30*time.Second)
	if err != nil {
		return err
	}
	// sess is just used to verify connectivity before handing off to the
	// system ssh binary, which gives us a real interactive terminal.
	sess.Close()

	cmdArgs := []string{"-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null"}
	if port != 22 {
		cmdArgs = append(cmdArgs, "-p", strconv.Itoa(port))
	}
	cmdArgs = append(cmdArgs, "-i", keyPath, fmt.Sprintf("%s@%s", *user, ip))

	cmd := exec.Command("ssh", cmdArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ssh exited with error: %w", err)
	}
	return nil
}
