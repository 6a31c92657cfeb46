package main

import (
	"context"
	"fmt"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

// program runs serve under the system service manager.
type program struct {
	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		p.done <- serve(ctx)
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return <-p.done
}

func newSystemService(args []string) (service.Service, error) {
	svcConfig := &service.Config{
		Name:        "fleet-plex",
		DisplayName: "fleet-plex",
		Description: "Fleet command dispatcher API and discovery service",
		Arguments:   append([]string{"service", "run"}, args...),
	}
	return service.New(&program{}, svcConfig)
}

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install or control fleet-plex serve as a system service",
	}

	control := func(action, done string) *cobra.Command {
		return &cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the system service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				var passthrough []string
				if configFile != "" {
					passthrough = append(passthrough, "--config", configFile)
				}
				s, err := newSystemService(passthrough)
				if err != nil {
					return &SetupError{Message: fmt.Sprintf("failed to create service: %v", err)}
				}
				if err := service.Control(s, action); err != nil {
					return &SetupError{Message: fmt.Sprintf("failed to %s service: %v", action, err)}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service %s\n", done)
				return nil
			},
		}
	}

	run := &cobra.Command{
		Use:    "run",
		Short:  "Run under the service manager (used by the installed unit)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSystemService(nil)
			if err != nil {
				return &SetupError{Message: fmt.Sprintf("failed to create service: %v", err)}
			}
			return s.Run()
		},
	}

	cmd.AddCommand(
		control("install", "installed"),
		control("uninstall", "uninstalled"),
		control("start", "started"),
		control("stop", "stopped"),
		run,
	)
	return cmd
}
