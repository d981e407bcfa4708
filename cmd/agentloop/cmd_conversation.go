package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(listCmd, eventsCmd, deleteCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		ids, err := a.loop.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(ids) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Print the event log of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		conv, err := a.loop.Conversation(ctx, args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tSOURCE\tKIND\tSUMMARY")
		for ev, err := range conv.Events(ctx, 1) {
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				ev.Sequence,
				ev.Timestamp.Format("2006-01-02 15:04:05"),
				ev.Source,
				ev.Payload.Kind(),
				summarize(ev),
			)
		}
		return w.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation and its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.loop.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Conversation %s deleted.\n", args[0])
		return nil
	},
}
