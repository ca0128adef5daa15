package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/chunker"
	"github.com/m-mizutani/ragademic/pkg/loader"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/policy"
	"github.com/m-mizutani/ragademic/pkg/usecase/course"
	"github.com/urfave/cli/v3"
)

func buildCommand() *cli.Command {
	var (
		cfg       config
		root      string
		courses   []string
		files     []string
		workers   int64
		policyDir string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "root",
			Aliases:     []string{"r"},
			Usage:       "Directory with one subdirectory of documents per course",
			Value:       "data",
			Sources:     cli.EnvVars("RAGADEMIC_DATA_ROOT"),
			Destination: &root,
		},
		&cli.StringSliceFlag{
			Name:        "course",
			Usage:       "Course to build (repeatable, default: every course under root)",
			Destination: &courses,
		},
		&cli.StringSliceFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "File to stage into the course directory before building (requires one --course)",
			Destination: &files,
		},
		&cli.StringFlag{
			Name:        "policy",
			Usage:       "Directory of Rego ingest policies (package ingest)",
			Sources:     cli.EnvVars("RAGADEMIC_POLICY_DIR"),
			Destination: &policyDir,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Number of documents chunked in parallel (0: number of CPUs)",
			Sources:     cli.EnvVars("RAGADEMIC_WORKERS"),
			Destination: &workers,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "build",
		Usage: "Load, chunk and index course documents",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			w := c.Root().Writer

			st, err := loadSettings(cfg.configFile)
			if err != nil {
				return err
			}

			if len(files) > 0 {
				if len(courses) != 1 {
					return goerr.Wrap(model.ErrInvalidArgument, "--file requires exactly one --course")
				}
				staged, err := loader.Stage(root, courses[0], files)
				if err != nil {
					return goerr.Wrap(err, "failed to stage files")
				}
				fmt.Fprintf(w, "Staged %d file(s) into %s\n", len(staged), courses[0])
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

			spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
			spin.Suffix = " Building course index..."
			spin.Start()

			pipeline := chunker.NewPipeline(st.splitter(),
				chunker.WithWorkers(int(workers)),
				chunker.WithProgress(func(done, total int) {
					spin.Lock()
					spin.Suffix = fmt.Sprintf(" Chunking documents %d/%d...", done, total)
					spin.Unlock()
				}),
			)
			opts := []course.Option{course.WithPipeline(pipeline)}
			if policyDir != "" {
				ingest, err := policy.Load(ctx, policyDir)
				if err != nil {
					spin.Stop()
					return goerr.Wrap(err, "failed to load ingest policy")
				}
				if ingest != nil {
					opts = append(opts, course.WithPolicy(ingest))
				}
			}
			uc := course.New(services.Store, opts...)

			reports, err := uc.Build(ctx, root, courses...)
			spin.Stop()
			printReports(w, reports)
			if err != nil {
				return goerr.Wrap(err, "failed to build courses")
			}
			return nil
		},
	}
}

func printReports(w io.Writer, reports []*course.BuildReport) {
	for _, r := range reports {
		name := r.Course
		if name == "" {
			name = "(no course)"
		}
		fmt.Fprintf(w, "%s: %d document(s), %d chunk(s), %d inserted\n", name, r.Documents, r.Chunks, r.Inserted)
		for _, sk := range r.Skipped {
			fmt.Fprintf(w, "  excluded by policy %s\n", sk.Path)
		}
		for _, f := range r.LoadFailures {
			fmt.Fprintf(w, "  skipped %s: %v\n", f.Path, f.Err)
		}
		for _, f := range r.ChunkFailures {
			fmt.Fprintf(w, "  failed to chunk document %d: %v\n", f.Index, f.Err)
		}
		for _, f := range r.InsertFailures {
			fmt.Fprintf(w, "  failed to insert chunk %s: %v\n", f.Chunk.ID, f.Err)
		}
	}
}
