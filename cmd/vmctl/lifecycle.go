package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/store"
)

func (a *app) loadStore() (store.Store, error) {
	return store.Load(a.storePath)
}

func (a *app) saveStore(s store.Store) error {
	return store.Save(a.storePath, s)
}

// recordEvent logs one lifecycle transition to the audit log, if one is
// configured. Audit failures never fail the command itself.
func (a *app) recordEvent(vmName, backend, op string, start time.Time, opErr error) {
	if a.auditLog == nil {
		return
	}
	if err := a.auditLog.Record(context.Background(), vmName, backend, op, time.Since(start), opErr); err != nil {
		fmt.Fprintf(os.Stderr, "vmctl: record audit event: %v\n", err)
	}
}

func (a *app) cmdCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "VM name")
	image := fs.String("image", "", "path to a local disk image")
	imageURL := fs.String("image-url", "", "URL to download an image from")
	vcpus := fs.Int("vcpus", 1, "number of vCPUs")
	memory := fs.Int("memory", 1024, "memory in MB")
	disk := fs.Int("disk", 0, "disk size in GB (0 = unset)")
	bridge := fs.String("bridge", "", "bridge name for TAP networking")
	cloudInit := fs.String("cloud-init", "", "path to cloud-init user-data file")
	sshKey := fs.String("ssh-key", "", "path to SSH public key file (injected via cloud-init)")
	start := fs.Bool("start", false, "also start the VM after creation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if *vcpus <= 0 {
		return fmt.Errorf("vCPUs must be greater than 0")
	}
	if *memory <= 0 {
		return fmt.Errorf("memory must be greater than 0")
	}

	st, err := a.loadStore()
	if err != nil {
		return err
	}
	if _, err := st.Get(*name); err == nil {
		return fmt.Errorf("VM %q already exists (destroy it first with `vmctl destroy %s`)", *name, *name)
	}

	var imagePath string
	switch {
	case *image != "":
		if _, err := os.Stat(*image); err != nil {
			return fmt.Errorf("image file not found: %s", *image)
		}
		imagePath = *image
	case *imageURL != "":
		return fmt.Errorf("pull the image first: vmctl image pull --name %s %s", *name, *imageURL)
	default:
		return fmt.Errorf("either --image or --image-url must be specified")
	}

	var cloudInitCfg *model.CloudInitConfig
	if *cloudInit != "" || *sshKey != "" {
		userData, err := buildUserData(*cloudInit, *sshKey, *name, *name)
		if err != nil {
			return err
		}
		cloudInitCfg = &model.CloudInitConfig{UserData: userData, InstanceID: *name, Hostname: *name}
	}

	var sshCfg *model.SshConfig
	if *sshKey != "" {
		sshCfg = &model.SshConfig{User: "vm", PrivateKeyPath: *sshKey}
	}

	network := model.NewUserNetwork()
	if *bridge != "" {
		network = model.NewTapNetwork(*bridge)
	}

	spec := model.VmSpec{
		Name:      *name,
		ImagePath: imagePath,
		VCPUs:     *vcpus,
		MemoryMB:  *memory,
		Network:   network,
		CloudInit: cloudInitCfg,
		SSH:       sshCfg,
	}
	if *disk > 0 {
		spec.DiskGB = disk
	}

	ctx := context.Background()
	prepareStart := time.Now()
	handle, err := a.router.Prepare(ctx, spec)
	a.recordEvent(*name, string(handle.Backend), "prepare", prepareStart, err)
	if err != nil {
		return err
	}

	st.Put(handle)
	if err := a.saveStore(st); err != nil {
		return err
	}
	fmt.Printf("VM %q created (id: %s)\n", *name, handle.ID)

	if *start {
		startedAt := time.Now()
		updated, err := a.router.Start(ctx, handle)
		a.recordEvent(*name, string(handle.Backend), "start", startedAt, err)
		if err != nil {
			return err
		}
		st.Put(updated)
		if err := a.saveStore(st); err != nil {
			return err
		}
		fmt.Printf("VM %q started\n", *name)
	}

	return nil
}

func (a *app) requireVM(fs *flag.FlagSet, args []string) (string, store.Store, model.VmHandle, error) {
	if err := fs.Parse(args); err != nil {
		return "", nil, model.VmHandle{}, err
	}
	if fs.NArg() < 1 {
		return "", nil, model.VmHandle{}, fmt.Errorf("VM name is required")
	}
	name := fs.Arg(0)

	st, err := a.loadStore()
	if err != nil {
		return "", nil, model.VmHandle{}, err
	}
	h, err := st.Get(name)
	if err != nil {
		return "", nil, model.VmHandle{}, err
	}
	return name, st, h, nil
}

func (a *app) cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	name, st, h, err := a.requireVM(fs, args)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	updated, err := a.router.Start(context.Background(), h)
	a.recordEvent(name, string(h.Backend), "start", startedAt, err)
	if err != nil {
		return err
	}
	st.Put(updated)
	if err := a.saveStore(st); err != nil {
		return err
	}
	fmt.Printf("VM %q started\n", name)
	return nil
}

func (a *app) cmdStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	timeout := fs.Int("timeout", 30, "graceful shutdown timeout in seconds")
	name, st, h, err := a.requireVM(fs, args)
	if err != nil {
		return err
	}

	stoppedAt := time.Now()
	updated, err := a.router.Stop(context.Background(), h, time.Duration(*timeout)*time.Second)
	a.recordEvent(name, string(h.Backend), "stop", stoppedAt, err)
	if err != nil {
		return err
	}
	st.Put(updated)
	if err := a.saveStore(st); err != nil {
		return err
	}
	fmt.Printf("VM %q stopped\n", name)
	return nil
}

func (a *app) cmdDestroy(args []string) error {
	fs := flag.NewFlagSet("destroy", flag.ExitOnError)
	name, st, h, err := a.requireVM(fs, args)
	if err != nil {
		return err
	}

	destroyedAt := time.Now()
	err = a.router.Destroy(context.Background(), h)
	a.recordEvent(name, string(h.Backend), "destroy", destroyedAt, err)
	if err != nil {
		return err
	}
	st.Delete(name)
	if err := a.saveStore(st); err != nil {
		return err
	}
	fmt.Printf("VM %q destroyed\n", name)
	return nil
}

func (a *app) cmdSuspend(args []string) error {
	fs := flag.NewFlagSet("suspend", flag.ExitOnError)
	name, st, h, err := a.requireVM(fs, args)
	if err != nil {
		return err
	}

	suspendedAt := time.Now()
	updated, err := a.router.Suspend(context.Background(), h)
	a.recordEvent(name, string(h.Backend), "suspend", suspendedAt, err)
	if err != nil {
		return err
	}
	st.Put(updated)
	if err := a.saveStore(st); err != nil {
		return err
	}
	fmt.Printf("VM %q suspended\n", name)
	return nil
}

func (a *app) cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	name, st, h, err := a.requireVM(fs, args)
	if err != nil {
		return err
	}

	resumedAt := time.Now()
	updated, err := a.router.Resume(context.Background(), h)
	a.recordEvent(name, string(h.Backend), "resume", resumedAt, err)
	if err != nil {
		return err
	}
	st.Put(updated)
	if err := a.saveStore(st); err != nil {
		return err
	}
	fmt.Printf("VM %q resumed\n", name)
	return nil
}
