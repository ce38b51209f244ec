package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"bmh/internal/ipc"
	"bmh/internal/journal"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var group string
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent process, connection, silence and reload events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("limit must not be negative")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.History(group, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Events)
				}
				out := cmd.OutOrStdout()
				if len(resp.Events) == 0 {
					fmt.Fprintln(out, "No events recorded")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Time", "Event", "Group", "Detail"},
					historyRows(resp.Events),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				fmt.Fprintln(out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "Only show events for this transmitter group")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON")
	return cmd
}

func historyRows(events []journal.Event) [][]string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			strconv.FormatInt(ev.ID, 10),
			ev.Time.Local().Format(time.DateTime),
			eventLabel(ev.Kind),
			ev.Group,
			ev.Detail,
		})
	}
	return rows
}

// eventLabel turns a journal kind such as "silence_alarm" into "Silence Alarm".
func eventLabel(kind journal.Kind) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(kind), "_", " "))
}
