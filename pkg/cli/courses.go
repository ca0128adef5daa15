package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
)

func coursesCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "courses",
		Usage: "List courses with a built index",
		Flags: globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			infos, err := repo.ListCollections(ctx)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if len(infos) == 0 {
				fmt.Fprintln(w, "No courses found")
				return nil
			}
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d dims\t%s\n",
					info.Name, info.EmbeddingModel, info.Dimension, info.CreatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}
