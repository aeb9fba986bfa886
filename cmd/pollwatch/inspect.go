package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pollwatch/internal/config"
	"pollwatch/internal/dedup"
	"pollwatch/internal/engine"
	logx "pollwatch/pkg/logx"
)

func loadSettings() (*config.Settings, error) {
	_, s, err := config.NewConfigManager(cfgPath).Load()
	return s, err
}

func agentByName(s *config.Settings, name string) (config.Agent, error) {
	a, ok := s.Agent(name)
	if !ok {
		names := make([]string, 0, len(s.Agents))
		for _, a := range s.Agents {
			names = append(names, a.Name)
		}
		return config.Agent{}, fmt.Errorf("unknown agent %q (have %s)", name, strings.Join(names, ", "))
	}
	return a, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and every agent's credentials file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, a := range s.Agents {
				f, err := config.LoadCredentials(a)
				if err != nil {
					return err
				}
				if missing := config.MissingCredentials(a, f); len(missing) > 0 {
					return fmt.Errorf("agent %s: no %s credentials: %w", a.Name, strings.Join(missing, "/"), engine.ErrCredentialExhausted)
				}
				fmt.Fprintf(out, "%s: %s %s, poll %s, accounts %d, proxies %d\n",
					a.Name, a.Source.Kind, a.Source.URL, a.Engine.PollInterval, len(f.Accounts), len(f.Proxies))
			}
			fmt.Fprintf(out, "ok: %d agent(s)\n", len(s.Agents))
			return nil
		},
	}
}

func newWindowCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "window <agent>",
		Short: "Print the agent's next polling window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			a, err := agentByName(s, args[0])
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			loc := a.Engine.Schedule.Location
			w := a.Engine.Schedule.Next(now)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pre_open  %s\n", w.PreOpen.In(loc).Format(time.RFC3339))
			fmt.Fprintf(out, "open      %s\n", w.Open.In(loc).Format(time.RFC3339))
			fmt.Fprintf(out, "close     %s\n", w.Close.In(loc).Format(time.RFC3339))
			if !now.Before(w.Open) {
				fmt.Fprintln(out, "status    open")
			} else {
				fmt.Fprintf(out, "status    opens in %s\n", w.Open.Sub(now).Round(time.Second))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 time instead of now")
	return cmd
}

func newSeenCmd() *cobra.Command {
	var showKeys bool
	cmd := &cobra.Command{
		Use:   "seen <agent>",
		Short: "Print how many keys the agent's dedup store holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			a, err := agentByName(s, args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			p, err := dedup.Open(ctx, s.Dedup, logx.Nop())
			if err != nil {
				return err
			}
			defer p.Close()

			store := dedup.NewStore(a.Name, p.Backend(a.Name), dedup.WithRetention(s.Dedup.Retention))
			if err := store.Load(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d key(s)\n", a.Name, store.Len())
			if showKeys {
				for _, k := range store.Keys() {
					fmt.Fprintln(out, k)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showKeys, "keys", false, "list every key")
	return cmd
}
