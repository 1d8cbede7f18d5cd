package main

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/spf13/cobra"
)

func newSessionCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or reset conversation sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <identity>",
			Short: "Print the stored session for an identity",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var sess models.Session
				if err := g.client().do(cmd.Context(), "GET", "/admin/sessions/"+url.PathEscape(args[0]), nil, &sess); err != nil {
					return fmt.Errorf("get session: %w", err)
				}
				return printJSON(g.out, sess)
			},
		},
		&cobra.Command{
			Use:   "clear <identity>",
			Short: "Delete the session so the next message starts from the login prompt",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := g.client().do(cmd.Context(), "POST", "/admin/sessions/"+url.PathEscape(args[0])+"/clear", nil, nil); err != nil {
					return fmt.Errorf("clear session: %w", err)
				}
				fmt.Fprintf(g.out, "Session %s cleared.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func newDeliveriesCmd(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries <identity>",
		Short: "List recent delivery attempts to an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/deliveries/" + url.PathEscape(args[0])
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var entries []models.DeliveryLogEntry
			if err := g.client().do(cmd.Context(), "GET", path, nil, &entries); err != nil {
				return fmt.Errorf("list deliveries: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintln(g.out, "No deliveries found.")
				return nil
			}
			w := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tKIND\tATTEMPT\tSTATUS\tTAG\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"),
					e.Kind,
					e.Attempt,
					e.Status,
					e.ContextTag,
					e.Error,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum entries to list (server default when 0)")
	return cmd
}
