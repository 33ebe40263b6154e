package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Toasterson/vm-manager/internal/api"
	"github.com/Toasterson/vm-manager/internal/audit"
	"github.com/Toasterson/vm-manager/internal/config"
)

func (a *app) cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8081", "listen address for the status/metrics HTTP server")
	auditDB := fs.String("audit-db", audit.DefaultPath(), "path to the lifecycle audit database (empty: the events endpoint returns no events)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := config.NewLogger(os.Stdout, a.cfg.LogLevel)

	// Reuse the process's own audit log when it already points at the
	// requested database, rather than opening a second connection to
	// the same SQLite file.
	auditLog := a.auditLog
	if *auditDB != audit.DefaultPath() {
		if *auditDB == "" {
			auditLog = nil
		} else {
			var err error
			auditLog, err = audit.Open(*auditDB)
			if err != nil {
				return fmt.Errorf("open audit database: %w", err)
			}
			defer auditLog.Close()
		}
	}

	srv := api.NewServer(*addr, a.storePath, a.router, auditLog, logger)
	return srv.Run()
}
