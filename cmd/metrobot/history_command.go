package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"metrobot/internal/app"
	"metrobot/internal/change"
	"metrobot/internal/config"
	"metrobot/internal/storage"
	logx "metrobot/pkg/logx"
)

func newHistoryCommand(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent persisted changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(*configPath).Parse()
			if err != nil {
				return err
			}
			sc, err := app.StorageConfig(cfg)
			if err != nil {
				return err
			}
			store, err := storage.Open(sc, logx.Nop())
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("storage is disabled in the config")
			}
			defer store.Close()

			events, err := store.RecentChanges(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no changes recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), historyTable(events))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of changes to show (0 for all)")
	return cmd
}

func historyTable(events []change.Event) string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		transition := ev.From.String() + " → " + ev.To.String()
		if !ev.IsStatus() {
			transition = fmt.Sprintf("%t → %t", ev.Previous, ev.Current)
		}
		rows = append(rows, []string{
			ev.Timestamp.Local().Format(time.DateTime),
			string(ev.Kind),
			strings.ToUpper(ev.LineID),
			ev.TargetID,
			string(ev.Field),
			transition,
			ev.Reason,
		})
	}
	return renderTable(
		[]string{"Time", "Kind", "Line", "Target", "Field", "Change", "Reason"},
		rows,
		nil,
	)
}
