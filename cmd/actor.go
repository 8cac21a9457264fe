/*
Copyright © 2024 John Dudmesh <john@dudmesh.co.uk>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/
package cmd

import (
	"fmt"

	"github.com/jdudmesh/propolis-social/internal/datastore"
	"github.com/jdudmesh/propolis-social/internal/identity"
	"github.com/spf13/cobra"
)

var actorCmd = &cobra.Command{
	Use:   "actor <handle>",
	Short: "Create a local actor",
	Long:  `Create a local actor with a fresh RSA keypair`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		displayName, err := cmd.Flags().GetString("name")
		if err != nil {
			return err
		}

		summary, err := cmd.Flags().GetString("summary")
		if err != nil {
			return err
		}

		db, err := datastore.New(config.DatabaseURL)
		if err != nil {
			logger.Error("store init", "error", err)
			return err
		}
		defer db.Close()

		ident := identity.NewService(db, config.Domain)
		user, err := ident.CreateActor(args[0], displayName, summary)
		if err != nil {
			logger.Error("creating actor", "handle", args[0], "error", err)
			return err
		}

		fmt.Println(ident.ActorURI(user))
		return nil
	},
}

func init() {
	actorCmd.Flags().String("name", "", "display name")
	actorCmd.Flags().String("summary", "", "profile summary")
	baseCmd.AddCommand(actorCmd)
}
