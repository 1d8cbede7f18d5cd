package main

import (
	"fmt"
	"net/url"

	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/spf13/cobra"
)

func newActorCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage the actor directory",
	}

	var role, outlet, phone, name string
	put := &cobra.Command{
		Use:   "put <code>",
		Short: "Create or replace the actor that logs in with code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := models.Actor{Role: models.Role(role), Outlet: outlet, Phone: phone, Name: name}
			var saved models.Actor
			if err := g.client().do(cmd.Context(), "PUT", "/admin/actors/"+url.PathEscape(args[0]), actor, &saved); err != nil {
				return fmt.Errorf("put actor: %w", err)
			}
			fmt.Fprintf(g.out, "Actor %s saved (%s, %s).\n", saved.Code, saved.Role, saved.Outlet)
			return nil
		},
	}
	put.Flags().StringVar(&role, "role", "", "attendant, supervisor or supplier (required)")
	put.Flags().StringVar(&outlet, "outlet", "", "outlet the actor belongs to (required)")
	put.Flags().StringVar(&phone, "phone", "", "bind the code to this phone number")
	put.Flags().StringVar(&name, "name", "", "display name")
	_ = put.MarkFlagRequired("role")
	_ = put.MarkFlagRequired("outlet")

	cmd.AddCommand(put)
	return cmd
}
