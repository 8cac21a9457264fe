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
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jdudmesh/propolis-social/internal/activitypub"
	"github.com/jdudmesh/propolis-social/internal/datastore"
	"github.com/jdudmesh/propolis-social/internal/delivery"
	"github.com/jdudmesh/propolis-social/internal/httpsig"
	"github.com/jdudmesh/propolis-social/internal/identity"
	"github.com/jdudmesh/propolis-social/internal/inbox"
	"github.com/jdudmesh/propolis-social/internal/keystore"
	"github.com/jdudmesh/propolis-social/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Federation server",
	Long:  `Run the ActivityPub federation server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := datastore.New(config.DatabaseURL)
		if err != nil {
			logger.Error("store init", "error", err)
			return err
		}
		defer db.Close()

		client := activitypub.NewClient(config.UserAgent)
		keys := keystore.New(db, client, logger)
		ident := identity.NewService(db, config.Domain)

		engine := delivery.New(delivery.Config{
			UserAgent:     config.UserAgent,
			Logger:        logger,
			Timeout:       config.Delivery.Timeout,
			RetryCount:    config.Delivery.RetryCount,
			RetryWait:     config.Delivery.RetryWait,
			RetryMaxWait:  config.Delivery.RetryMaxWait,
			MaxConcurrent: config.Delivery.MaxConcurrent,
		})

		policy := inbox.AcceptNone()
		if config.AutoAcceptFollows {
			policy = inbox.AcceptAll()
		}

		processor, err := inbox.New(inbox.Config{
			Logger: logger,
			Policy: policy,
		}, db, ident, engine, client)
		if err != nil {
			logger.Error("creating inbox processor", "error", err)
			return err
		}

		h, err := server.New(server.Config{
			Host:                     config.Host,
			Port:                     config.Port,
			Domain:                   config.Domain,
			Logger:                   logger,
			InsecureSkipVerification: config.InsecureSkipVerify,
		}, httpsig.NewVerifier(keys), keys, processor, ident)
		if err != nil {
			logger.Error("creating federation server", "error", err)
			return err
		}

		ctx, cancelFn := context.WithCancelCause(context.Background())
		defer cancelFn(errors.New("deferred"))

		wg := sync.WaitGroup{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Run(ctx)
			if err != nil {
				logger.Error("running federation server", "error", err)
			}
		}()

		go func() {
			sigint := make(chan os.Signal, 1)
			signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			for s := range sigint {
				switch s {
				case syscall.SIGHUP:
					logger.Info("sighup: reloading")
					err := h.Reload()
					if err != nil {
						logger.Error("reloading", "error", err)
					}
				case syscall.SIGINT, syscall.SIGTERM:
					cancelFn(errors.New("received term signal, exiting"))
				}
			}
		}()

		wg.Wait()
		return nil
	},
}

func init() {
	baseCmd.AddCommand(serveCmd)
}
