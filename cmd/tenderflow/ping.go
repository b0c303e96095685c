package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tenderflow/pkg/graphdb"
)

func newPingCommand(g *globalFlags) *cobra.Command {
	var warm int
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check Neo4j connectivity and connection pool health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(cmd, g)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), s)

			driver, err := newNeo4jDriver(s)
			if err != nil {
				return err
			}
			defer driver.Close(context.WithoutCancel(cmd.Context()))

			ctx, cancel := context.WithTimeout(cmd.Context(), s.PoolAcquireTimeout)
			defer cancel()

			started := time.Now()
			if err := driver.VerifyConnectivity(ctx); err != nil {
				return fmt.Errorf("neo4j unreachable at %s: %w", s.Neo4jURI, err)
			}
			handshake := time.Since(started)

			pool, err := graphdb.NewPool(driver, graphdb.PoolConfig{
				Capacity:       s.PoolCapacity,
				AcquireTimeout: s.PoolAcquireTimeout,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			defer pool.Drain(context.WithoutCancel(cmd.Context()))

			if warm > s.PoolCapacity {
				warm = s.PoolCapacity
			}
			if err := pool.Warm(ctx, warm); err != nil {
				return fmt.Errorf("open %d connections: %w", warm, err)
			}

			out := cmd.OutOrStdout()
			scoreColor.Fprintf(out, "ok ")
			fmt.Fprintf(out, "%s (database %s) handshake %s\n", s.Neo4jURI, s.Neo4jDatabase, handshake.Round(time.Millisecond))
			return writeJSON(out, pool.Stats())
		},
	}
	cmd.Flags().IntVar(&warm, "warm", 1, "connections to open and health check")
	return cmd
}
