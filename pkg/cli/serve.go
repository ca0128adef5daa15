package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/ragademic/pkg/service/mcp"
	"github.com/m-mizutani/ragademic/pkg/usecase/chat"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg  config
		addr string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address for streamable HTTP (empty: serve over stdio)",
			Sources:     cli.EnvVars("RAGADEMIC_ADDR"),
			Destination: &addr,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve course search and chat as MCP tools",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := loadSettings(cfg.configFile)
			if err != nil {
				return err
			}
			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			services, err := cfg.newServices(ctx, repo, st, "")
			if err != nil {
				return err
			}
			archive, err := cfg.newArchive(ctx)
			if err != nil {
				return err
			}

			opts := []chat.ManagerOption{
				chat.WithTokenBudget(st.TokenBudget),
				chat.WithEngineOptions(st.engineOptions()...),
			}
			if archive != nil {
				opts = append(opts, chat.WithArchive(archive))
			}
			manager := chat.NewManager(services, opts...)
			defer manager.CloseAll()

			server := mcp.New(services.Store, manager,
				mcp.WithVersion(c.Root().Version),
				mcp.WithTopK(st.TopK),
			)
			if addr == "" {
				return server.RunStdio(ctx)
			}
			return server.RunHTTP(ctx, addr)
		},
	}
}
