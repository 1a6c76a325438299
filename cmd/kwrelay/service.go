package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/kwrelay/kwrelay/pkg/app"
)

// serviceActions are the service manager controls we expose verbatim.
var serviceActions = []string{"install", "uninstall", "start", "stop", "restart"}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       fmt.Sprintf("service [%s|run]", strings.Join(serviceActions, "|")),
		Short:     "Run under or manage the system service manager",
		Args:      cobra.ExactArgs(1),
		ValidArgs: append(append([]string{}, serviceActions...), "run"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			svc, err := newService(cfgPath)
			if err != nil {
				return err
			}

			if args[0] == "run" {
				// Invoked by the service manager itself.
				return svc.Run()
			}

			if err := service.Control(svc, args[0]); err != nil {
				return err
			}
			fmt.Printf("service %s: done\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	return cmd
}

// newService builds the kardianos service descriptor. The installed unit
// re-invokes this binary with "service run" and the resolved config path
// so the daemon does not depend on the working directory.
func newService(cfgPath string) (service.Service, error) {
	if cfgPath == "" {
		resolved, err := resolveConfigPath()
		if err != nil {
			return nil, err
		}
		cfgPath = resolved
	}
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}

	return service.New(&program{cfgPath: abs}, &service.Config{
		Name:        "kwrelay",
		DisplayName: "kwrelay",
		Description: "Keyword monitor and outreach dispatcher for Telegram groups",
		Arguments:   []string{"service", "run", "--config", abs},
	})
}

// program adapts the daemon to the service.Interface lifecycle.
type program struct {
	cfgPath string

	cancel context.CancelFunc
	done   chan error
}

// Start implements service.Interface. It must not block.
func (p *program) Start(service.Service) error {
	cfg, err := loadConfig(p.cfgPath)
	if err != nil {
		return err
	}

	logger := newLogger()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- app.Run(ctx, cfg, logger, version)
	}()
	return nil
}

// Stop implements service.Interface. It triggers a graceful shutdown and
// waits for the daemon to finish.
func (p *program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	err := <-p.done
	if err != nil {
		fmt.Fprintln(os.Stderr, "kwrelay stopped with error:", err)
	}
	return err
}
