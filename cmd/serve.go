// File: cmd/serve.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/countygis/agentcore/internal/gateway"
	"github.com/countygis/agentcore/internal/observability"
	"github.com/countygis/agentcore/internal/service"
)

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	var listenAddr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the core behind the HTTP API and WebSocket event stream until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			gatewayCfg := cfg.Gateway
			if listenAddr != "" {
				gatewayCfg.ListenAddr = listenAddr
			}

			return runWithCore(cmd, factory, func(ctx context.Context, c *service.Components) error {
				srv := gateway.NewServer(gatewayCfg, c.Core, c.Store, observability.GetLogger())
				return srv.Run(ctx)
			})
		},
	}

	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (overrides gateway.listen_addr)")
	return serveCmd
}
