package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"trading-controller/internal/api"
	"trading-controller/internal/types"
)

var (
	ctlAddr    string
	ctlConfirm bool
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Send lifecycle commands to a running bot",
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "http://localhost:8080", "control API base URL")

	stop := ctlCommand("stop", "Stop the session (flattens first when flatten-on-stop is set)",
		func(ctx context.Context, c *api.SessionClient) (types.Status, error) { return c.Stop(ctx, ctlConfirm) })
	flatten := ctlCommand("flatten", "Close every position, then stop",
		func(ctx context.Context, c *api.SessionClient) (types.Status, error) {
			return c.FlattenAndStop(ctx, ctlConfirm)
		})
	for _, cmd := range []*cobra.Command{stop, flatten} {
		cmd.Flags().BoolVar(&ctlConfirm, "confirm", false, "confirm a live flatten")
	}

	flattenOnStop := &cobra.Command{
		Use:       "flatten-on-stop true|false",
		Short:     "Set whether stop flattens open positions",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"true", "false"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := strconv.ParseBool(args[0])
			if err != nil {
				return fmt.Errorf("flatten-on-stop: %w", err)
			}
			return ctlDo(cmd.Context(), func(ctx context.Context, c *api.SessionClient) (types.Status, error) {
				return c.SetFlattenOnStop(ctx, on)
			})
		},
	}

	ctlCmd.AddCommand(
		ctlCommand("start", "Start a session",
			func(ctx context.Context, c *api.SessionClient) (types.Status, error) { return c.Start(ctx) }),
		ctlCommand("pause", "Stop opening new positions",
			func(ctx context.Context, c *api.SessionClient) (types.Status, error) { return c.Pause(ctx) }),
		ctlCommand("resume", "Resume a paused session",
			func(ctx context.Context, c *api.SessionClient) (types.Status, error) { return c.Resume(ctx) }),
		ctlCommand("confirm-live", "Allow order submission in live mode",
			func(ctx context.Context, c *api.SessionClient) (types.Status, error) { return c.ConfirmLive(ctx) }),
		ctlCommand("status", "Print the controller status",
			func(ctx context.Context, c *api.SessionClient) (types.Status, error) { return c.Status(ctx) }),
		stop,
		flatten,
		flattenOnStop,
	)
}

func ctlCommand(use, short string, fn func(context.Context, *api.SessionClient) (types.Status, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctlDo(cmd.Context(), fn)
		},
	}
}

func ctlDo(ctx context.Context, fn func(context.Context, *api.SessionClient) (types.Status, error)) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	st, err := fn(ctx, api.NewSessionClient(ctlAddr))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
