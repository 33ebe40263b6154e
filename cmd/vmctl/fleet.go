package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Toasterson/vm-manager/internal/fleet"
	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/provision"
	"github.com/Toasterson/vm-manager/internal/sshtransport"
)

// generatedKeyFile is where an auto-generated identity is persisted
// inside a VM's work directory, so repeated up/provision runs reuse it
// instead of minting a new one every time.
const generatedKeyFile = "id_ed25519_generated"

func (a *app) loadFleet(explicit string) (*fleet.File, error) {
	if explicit == "" {
		explicit = a.cfg.FleetFile
	}
	path, err := fleet.Discover(explicit)
	if err != nil {
		return nil, err
	}
	return fleet.Parse(path)
}

func (a *app) cmdUp(args []string) error {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	file := fs.String("file", "", "path to the fleet file")
	only := fs.String("name", "", "only bring up this VM")
	noProvision := fs.Bool("no-provision", false, "skip provisioning after start")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := a.loadFleet(*file)
	if err != nil {
		return err
	}

	st, err := a.loadStore()
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, def := range f.VMs {
		if *only != "" && def.Name != *only {
			continue
		}

		spec, err := fleet.Resolve(def, f.BaseDir)
		if err != nil {
			return err
		}

		prepareStart := time.Now()
		handle, err := a.router.Prepare(ctx, spec)
		a.recordEvent(def.Name, string(handle.Backend), "prepare", prepareStart, err)
		if err != nil {
			return err
		}
		st.Put(handle)
		if err := a.saveStore(st); err != nil {
			return err
		}

		startedAt := time.Now()
		updated, err := a.router.Start(ctx, handle)
		a.recordEvent(def.Name, string(handle.Backend), "start", startedAt, err)
		if err != nil {
			return err
		}
		st.Put(updated)
		if err := a.saveStore(st); err != nil {
			return err
		}
		fmt.Printf("VM %q up\n", def.Name)

		if !*noProvision && len(def.Provisions) > 0 {
			if err := a.provisionVM(ctx, def, f.BaseDir, updated); err != nil {
				return err
			}
		}
	}

	return nil
}

func (a *app) cmdDown(args []string) error {
	fs := flag.NewFlagSet("down", flag.ExitOnError)
	file := fs.String("file", "", "path to the fleet file")
	only := fs.String("name", "", "only bring down this VM")
	destroy := fs.Bool("destroy", false, "destroy instead of just stopping")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := a.loadFleet(*file)
	if err != nil {
		return err
	}

	st, err := a.loadStore()
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, def := range f.VMs {
		if *only != "" && def.Name != *only {
			continue
		}

		handle, err := st.Get(def.Name)
		if err != nil {
			fmt.Printf("VM %q not found in store — skipping\n", def.Name)
			continue
		}

		if *destroy {
			destroyedAt := time.Now()
			err := a.router.Destroy(ctx, handle)
			a.recordEvent(def.Name, string(handle.Backend), "destroy", destroyedAt, err)
			if err != nil {
				return err
			}
			st.Delete(def.Name)
			if err := a.saveStore(st); err != nil {
				return err
			}
			fmt.Printf("VM %q destroyed\n", def.Name)
			continue
		}

		stoppedAt := time.Now()
		updated, err := a.router.Stop(ctx, handle, 30*time.Second)
		a.recordEvent(def.Name, string(handle.Backend), "stop", stoppedAt, err)
		if err != nil {
			return err
		}
		st.Put(updated)
		if err := a.saveStore(st); err != nil {
			return err
		}
		fmt.Printf("VM %q stopped\n", def.Name)
	}

	return nil
}

func (a *app) cmdReload(args []string) error {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	file := fs.String("file", "", "path to the fleet file")
	only := fs.String("name", "", "only reload this VM")
	noProvision := fs.Bool("no-provision", false, "skip provisioning after reload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := a.loadFleet(*file)
	if err != nil {
		return err
	}

	st, err := a.loadStore()
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, def := range f.VMs {
		if *only != "" && def.Name != *only {
			continue
		}

		if handle, err := st.Get(def.Name); err == nil {
			destroyedAt := time.Now()
			err := a.router.Destroy(ctx, handle)
			a.recordEvent(def.Name, string(handle.Backend), "destroy", destroyedAt, err)
			if err != nil {
				return err
			}
			st.Delete(def.Name)
			if err := a.saveStore(st); err != nil {
				return err
			}
		}

		spec, err := fleet.Resolve(def, f.BaseDir)
		if err != nil {
			return err
		}

		prepareStart := time.Now()
		handle, err := a.router.Prepare(ctx, spec)
		a.recordEvent(def.Name, string(handle.Backend), "prepare", prepareStart, err)
		if err != nil {
			return err
		}
		st.Put(handle)
		if err := a.saveStore(st); err != nil {
			return err
		}

		startedAt := time.Now()
		updated, err := a.router.Start(ctx, handle)
		a.recordEvent(def.Name, string(handle.Backend), "start", startedAt, err)
		if err != nil {
			return err
		}
		st.Put(updated)
		if err := a.saveStore(st); err != nil {
			return err
		}
		fmt.Printf("VM %q reloaded\n", def.Name)

		if !*noProvision && len(def.Provisions) > 0 {
			if err := a.provisionVM(ctx, def, f.BaseDir, updated); err != nil {
				return err
			}
		}
	}

	return nil
}

func (a *app) cmdProvision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	file := fs.String("file", "", "path to the fleet file")
	only := fs.String("name", "", "only provision this VM")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := a.loadFleet(*file)
	if err != nil {
		return err
	}

	st, err := a.loadStore()
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, def := range f.VMs {
		if *only != "" && def.Name != *only {
			continue
		}
		if len(def.Provisions) == 0 {
			fmt.Printf("VM %q has no provisioners — skipping\n", def.Name)
			continue
		}

		handle, err := st.Get(def.Name)
		if err != nil {
			return fmt.Errorf("VM %q not found in store — run `vmctl up` first", def.Name)
		}

		state, err := a.router.State(ctx, handle)
		if err != nil {
			return err
		}
		if state != model.StateRunning {
			return fmt.Errorf("VM %q is not running (state: %s) — start it first", def.Name, state)
		}

		if err := a.provisionVM(ctx, def, f.BaseDir, handle); err != nil {
			return err
		}
		fmt.Printf("VM %q provisioned\n", def.Name)
	}

	return nil
}

// provisionVM connects over SSH and runs def's provisioning steps
// against handle, generating and persisting an identity first if the
// fleet file's ssh block left private-key unset.
func (a *app) provisionVM(ctx context.Context, def fleet.VmDef, baseDir string, handle model.VmHandle) error {
	if def.SSH == nil {
		return fmt.Errorf("VM %q has provisioners but no ssh block — add an ssh {} section to the fleet file", def.Name)
	}

	ip, err := a.router.GuestIP(ctx, handle)
	if err != nil {
		return err
	}
	port := sshPortForHandle(handle)

	cfg, err := sshConfigFor(def, baseDir, handle)
	if err != nil {
		return err
	}

	fmt.Printf("Provisioning VM %q...\n", def.Name)
	sess, err := sshtransport.ConnectWithRetry(ctx, ip, port, cfg, 120*time.Second)
	if err != nil {
		return err
	}
	defer sess.Close()

	return provision.Run(sess, def.Provisions, baseDir, def.Name)
}

// sshConfigFor resolves the ssh identity to use for def: an explicit
// private-key path, a previously generated key persisted in the VM's
// work directory, or a freshly generated one (persisted for next time).
func sshConfigFor(def fleet.VmDef, baseDir string, handle model.VmHandle) (model.SshConfig, error) {
	if def.SSH.PrivateKey != "" {
		return model.SshConfig{
			User:           def.SSH.User,
			PrivateKeyPath: provision.ResolvePath(def.SSH.PrivateKey, baseDir),
		}, nil
	}

	genPath := filepath.Join(handle.WorkDir, generatedKeyFile)
	if keyBytes, err := os.ReadFile(genPath); err == nil {
		return model.SshConfig{User: def.SSH.User, PrivateKeyBytes: keyBytes}, nil
	}

	pemBytes, err := generateEd25519KeyPEM()
	if err != nil {
		return model.SshConfig{}, fmt.Errorf("generate ssh keypair for %s: %w", def.Name, err)
	}
	if handle.WorkDir != "" {
		if err := os.WriteFile(genPath, pemBytes, 0o600); err != nil {
			return model.SshConfig{}, fmt.Errorf("persist generated ssh key: %w", err)
		}
	}

	return model.SshConfig{User: def.SSH.User, PrivateKeyBytes: pemBytes}, nil
}

func generateEd25519KeyPEM() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}
