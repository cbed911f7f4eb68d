package main

import (
	"context"
	"fmt"

	"mediaconv/config"
	"mediaconv/services"
	"mediaconv/worker"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// commandContext lazily builds the clients shared by the subcommands.
type commandContext struct {
	cfg         *config.Config
	redisClient *redis.Client
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

func (c *commandContext) config() *config.Config {
	if c.cfg == nil {
		c.cfg = config.Load()
	}
	return c.cfg
}

func (c *commandContext) redis(ctx context.Context) (*redis.Client, error) {
	if c.redisClient != nil {
		return c.redisClient, nil
	}
	cfg := c.config()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	c.redisClient = client
	return client, nil
}

// queue returns a pool usable for queue operations only; it never runs jobs.
func (c *commandContext) queue(ctx context.Context) (*worker.Pool, error) {
	client, err := c.redis(ctx)
	if err != nil {
		return nil, err
	}
	return worker.NewPool(c.config(), client, nil, nil), nil
}

func (c *commandContext) close() {
	if c.redisClient != nil {
		c.redisClient.Close()
	}
}

func newRootCommand() *cobra.Command {
	ctx := newCommandContext()

	rootCmd := &cobra.Command{
		Use:           "mediaconv",
		Short:         "Media conversion worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(cmd.Context(), ctx)
		},
	}

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newHashCommand())

	return rootCmd
}

func newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>",
		Short: "Print the content digest used for upload deduplication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := services.HashFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), digest)
			return nil
		},
	}
}
