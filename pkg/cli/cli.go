package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:    "ragademic",
		Usage:   "Course material assistant backed by retrieval-augmented generation",
		Version: "0.1.0",
		Commands: []*cli.Command{
			buildCommand(),
			coursesCommand(),
			searchCommand(),
			chatCommand(),
			serveCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
