// Command vmctl is the operator CLI for the host-side VM control plane:
// create/start/stop/destroy individual VMs, drive a declarative fleet
// file through up/down/reload/provision, and serve a read-only
// status/metrics HTTP surface. Subcommand parsing is hand-rolled with
// the standard library's flag package per subcommand rather than a
// third-party CLI framework — no such framework appears anywhere in
// the retrieval pack, and the CLI layer's argument grammar is explicitly
// out of scope; only the wiring behind each subcommand is in-scope.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/Toasterson/vm-manager/internal/audit"
	"github.com/Toasterson/vm-manager/internal/config"
	"github.com/Toasterson/vm-manager/internal/hypervisor"
	"github.com/Toasterson/vm-manager/internal/hypervisor/noop"
	"github.com/Toasterson/vm-manager/internal/hypervisor/propolis"
	"github.com/Toasterson/vm-manager/internal/hypervisor/qemu"
	"github.com/Toasterson/vm-manager/internal/store"
)

// app bundles every dependency a subcommand handler needs.
type app struct {
	cfg       config.Config
	router    *hypervisor.Router
	storePath string
	auditLog  *audit.Log
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	var qemuBackend, propolisBackend hypervisor.Hypervisor
	switch runtime.GOOS {
	case "linux":
		qemuBackend = qemu.New(cfg.DataDir, logger)
	case "illumos", "solaris":
		propolisBackend = propolis.New(cfg.DataDir, cfg.ZFSPool, logger)
	}

	auditLog, err := audit.Open(audit.DefaultPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmctl: open audit log: %v\n", err)
		return 1
	}
	defer auditLog.Close()

	a := &app{
		cfg:       cfg,
		router:    hypervisor.New(noop.New(), qemuBackend, propolisBackend),
		storePath: storePathFor(cfg),
		auditLog:  auditLog,
	}

	if len(os.Args) < 2 {
		usage()
		return 2
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "create":
		err = a.cmdCreate(args)
	case "start":
		err = a.cmdStart(args)
	case "stop":
		err = a.cmdStop(args)
	case "destroy":
		err = a.cmdDestroy(args)
	case "suspend":
		err = a.cmdSuspend(args)
	case "resume":
		err = a.cmdResume(args)
	case "list":
		err = a.cmdList(args)
	case "status":
		err = a.cmdStatus(args)
	case "console":
		err = a.cmdConsole(args)
	case "ssh":
		err = a.cmdSSH(args)
	case "image":
		err = a.cmdImage(args)
	case "up":
		err = a.cmdUp(args)
	case "down":
		err = a.cmdDown(args)
	case "reload":
		err = a.cmdReload(args)
	case "provision":
		err = a.cmdProvision(args)
	case "serve":
		err = a.cmdServe(args)
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "vmctl: unknown command %q\n", cmd)
		usage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "vmctl: %v\n", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: vmctl <command> [arguments]

Commands:
  create     Create a new VM (and optionally start it)
  start      Start an existing VM
  stop       Stop a running VM
  destroy    Destroy a VM and clean up all resources
  suspend    Suspend a running VM (pause vCPUs)
  resume     Resume a suspended VM
  list       List all VMs
  status     Show VM status
  console    Attach to a VM's serial console
  ssh        SSH into a VM
  image      Manage VM images (pull, list)
  up         Bring up VMs defined in a fleet file
  down       Bring down VMs defined in a fleet file
  reload     Destroy and recreate VMs defined in a fleet file
  provision  Re-run provisioners on running VMs from a fleet file
  serve      Run the read-only status/metrics HTTP server
`)
}

func storePathFor(cfg config.Config) string {
	return store.DefaultPath()
}
