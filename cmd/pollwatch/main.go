package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pollwatch/internal/app"
	"pollwatch/internal/engine"
)

const (
	exitOK                  = 0
	exitFailure             = 1
	exitCredentialExhausted = 2
)

var cfgPath string

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
	}
	return exitCode(err)
}

// exitCode maps a run error to the process status: 2 when an agent has no
// usable credentials, 1 for configuration and every other fatal error.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrCredentialExhausted):
		return exitCredentialExhausted
	default:
		return exitFailure
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pollwatch",
		Short:         "Poll publisher feeds during trading hours and push new items",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run every enabled agent until interrupted (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context())
			},
		},
		newValidateCmd(),
		newWindowCmd(),
		newSeenCmd(),
	)
	return root
}

func run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopAppStop
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	cancel()
	// Stop bounds itself by shutdown_grace.
	_ = a.Stop(context.Background(), reason)
	return a.Err()
}
