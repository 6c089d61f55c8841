package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"cad-bridge/client"
	"cad-bridge/codec"
	"cad-bridge/config"
	"cad-bridge/control"
)

func dialBridge(flags *globalFlags) (*client.Client, *config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	ct, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	addr := flags.addr
	if addr == "" {
		addr = cfg.Addr()
	}
	return client.New(client.Options{Addr: addr, Codec: ct, DialTimeout: 5 * time.Second}), cfg, nil
}

func newPingCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that a bridge answers and its dispatcher is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, cfg, err := dialBridge(flags)
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CallTimeout)
			defer cancel()
			if err := cli.Ping(ctx); err != nil {
				return err
			}
			printLine(cmd, "pong")
			return nil
		},
	}
}

// parseArg reads a CLI argument as JSON, falling back to a plain string so
// document names need no quoting.
func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func newCallCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [arg...]",
		Short: "Call a bridge method; each arg is JSON or a plain string",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, cfg, err := dialBridge(flags)
			if err != nil {
				return err
			}
			defer cli.Close()

			callArgs := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				callArgs = append(callArgs, parseArg(a))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CallTimeout)
			defer cancel()

			var result json.RawMessage
			if err := cli.Call(ctx, args[0], &result, callArgs...); err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

func controlClient(flags *globalFlags) (*control.Client, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.ControlAddr, nil), nil
}

func newMenuCmd(flags *globalFlags, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := controlClient(flags)
			if err != nil {
				return err
			}
			run := cc.Start
			if action == "stop" {
				run = cc.Stop
			}
			msg, err := run(cmd.Context())
			if msg != "" {
				printLine(cmd, "%s", msg)
			}
			return errors.Trace(err)
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running host's bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := controlClient(flags)
			if err != nil {
				return err
			}
			st, err := cc.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}
