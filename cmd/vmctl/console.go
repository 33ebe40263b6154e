package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/Toasterson/vm-manager/internal/consoleclient"
	"github.com/Toasterson/vm-manager/internal/hypervisor"
)

func (a *app) cmdConsole(args []string) error {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	_, _, h, err := a.requireVM(fs, args)
	if err != nil {
		return err
	}

	endpoint, err := a.router.ConsoleEndpoint(h)
	if err != nil {
		return err
	}

	switch endpoint.Kind {
	case hypervisor.ConsoleNone:
		return fmt.Errorf("VM %q has no attachable console", h.Name)

	case hypervisor.ConsoleSocket:
		fmt.Printf("Attaching to console socket %s (Ctrl-C to detach)...\n", endpoint.Path)
		conn, err := net.Dial("unix", endpoint.Path)
		if err != nil {
			return fmt.Errorf("dial console socket: %w", err)
		}
		defer conn.Close()
		return pumpStdio(conn)

	case hypervisor.ConsoleWS:
		fmt.Printf("Attaching to console at %s (Ctrl-C to detach)...\n", endpoint.URL)
		ctx := context.Background()
		conn, err := consoleclient.Attach(ctx, endpoint.URL)
		if err != nil {
			return err
		}
		defer conn.Close()
		return conn.Pump(ctx, os.Stdin, os.Stdout)

	default:
		return fmt.Errorf("unknown console endpoint kind %q", endpoint.Kind)
	}
}

// pumpStdio bidirectionally copies bytes between rw and the process's
// stdin/stdout, returning once either direction hits EOF.
func pumpStdio(rw io.ReadWriter) error {
	done := make(chan error, 2)
	go func() { _, err := io.Copy(os.Stdout, rw); done <- err }()
	go func() { _, err := io.Copy(rw, os.Stdin); done <- err }()
	return <-done
}
