package main

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/coordq/internal/config"
	"github.com/basket/coordq/internal/doctor"
	"github.com/basket/coordq/internal/heartbeat"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("doctor")
	jsonOutput := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, cfgErr := config.Load()
	in := doctor.Inputs{Config: cfg, ConfigErr: cfgErr, Version: Version}
	if cfgErr == nil {
		store, closeStore, err := openBackend(ctx, cfg)
		if err != nil {
			in.StoreErr = err
		} else {
			defer closeStore()
			in.Store = store
			in.Hosts = heartbeat.NewRegistry(store)
		}
	}

	diag := doctor.Run(ctx, in)
	if *jsonOutput {
		if err := writeJSON(diag); err != nil {
			return fail("write output: %v", err)
		}
	} else {
		fmt.Fprintf(stdout, "coordq doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "system: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(stdout, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(stdout, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(stdout, "       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
