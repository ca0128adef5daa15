package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/service/mcp"
	"github.com/urfave/cli/v3"
)

func searchCommand() *cli.Command {
	var (
		cfg        config
		courseName string
		query      string
		limit      int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "course",
			Usage:       "Course to search",
			Sources:     cli.EnvVars("RAGADEMIC_COURSE"),
			Destination: &courseName,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Natural language query",
			Destination: &query,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of chunks to return",
			Value:       5,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "search",
		Usage: "Retrieve course chunks similar to a query",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

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

			col, err := services.Store.Reload(ctx, courseName)
			if err != nil {
				return err
			}
			hits, err := col.Search(ctx, query, model.CourseFilter(courseName), int(limit))
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if len(hits) == 0 {
				fmt.Fprintln(w, "No matching chunks")
				return nil
			}
			fmt.Fprintln(w, mcp.FormatHits(hits))
			return nil
		},
	}
}
