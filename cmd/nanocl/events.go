package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/api"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream change events",
	Long: `Stream change events from the daemon until interrupted.

Examples:
  # Every event
  nanocl events

  # Cargo events in the prod namespace
  nanocl events --kind cargo --namespace prod`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, _ := cmd.Flags().GetStringSlice("kind")
		namespace, _ := cmd.Flags().GetString("namespace")

		req := &api.WatchRequest{Namespace: namespace}
		for _, k := range kinds {
			kind, err := types.ParseEntityKind(k)
			if err != nil {
				return err
			}
			req.Kinds = append(req.Kinds, kind)
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		watcher, err := c.WatchEvents(cmd.Context(), req)
		if err != nil {
			return err
		}

		for {
			ev, err := watcher.Recv()
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				if err := printJSON(ev); err != nil {
					return err
				}
				continue
			}
			fmt.Printf("%s  #%d  %-8s %-9s %s\n",
				ev.Timestamp.Format(time.RFC3339), ev.Seq, ev.Type, ev.EntityKind, ev.Key)
		}
	},
}

func init() {
	eventsCmd.Flags().StringSlice("kind", nil, "Only events of these kinds (cargo, vm, resource, namespace)")
	eventsCmd.Flags().String("namespace", "", "Only events of this namespace")
	rootCmd.AddCommand(eventsCmd)
}
