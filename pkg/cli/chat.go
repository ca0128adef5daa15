package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ragademic/pkg/model"
	"github.com/m-mizutani/ragademic/pkg/usecase/chat"
	"github.com/urfave/cli/v3"
)

const chatHelp = `Commands:
  /course <name>   switch to another course (each course keeps its own history)
  /clear           clear the conversation history of the current course
  /key <api-key>   use a new Gemini API key
  /help            show this help
  exit             quit`

func chatCommand() *cli.Command {
	var (
		cfg        config
		courseName string
		sessionID  string
		timeout    time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "course",
			Usage:       "Course to chat about",
			Sources:     cli.EnvVars("RAGADEMIC_COURSE"),
			Destination: &courseName,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "session",
			Usage:       "Session ID; histories are kept per course and session",
			Value:       "cli",
			Sources:     cli.EnvVars("RAGADEMIC_SESSION"),
			Destination: &sessionID,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Upper bound for one answer including retries",
			Value:       3 * time.Minute,
			Destination: &timeout,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, archiveFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive chat with the course teaching assistant",
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

			repl := &chatREPL{
				manager: manager,
				session: sessionID,
				timeout: timeout,
				out:     c.Root().Writer,
				rebind: func(ctx context.Context, apiKey string) (chat.Services, error) {
					return cfg.newServices(ctx, repo, st, apiKey)
				},
			}
			if err := repl.switchCourse(ctx, courseName); err != nil {
				return err
			}

			home, _ := os.UserHomeDir()
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          repl.prompt(),
				HistoryFile:     filepath.Join(home, ".ragademic_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize readline")
			}
			defer rl.Close()

			fmt.Fprintf(repl.out, "Chat session started for %s. Type /help for commands, 'exit' to quit.\n", repl.course)
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				quit, err := repl.handle(ctx, line)
				if err != nil {
					return err
				}
				if quit {
					break
				}
				rl.SetPrompt(repl.prompt())
			}

			fmt.Fprintf(repl.out, "\nChat session completed\n")
			return nil
		},
	}
}

// chatREPL interprets one line of chat input at a time
type chatREPL struct {
	manager *chat.Manager
	course  string
	session string
	timeout time.Duration
	out     io.Writer
	rebind  func(ctx context.Context, apiKey string) (chat.Services, error)
}

func (r *chatREPL) prompt() string {
	return r.course + "> "
}

func (r *chatREPL) switchCourse(ctx context.Context, course string) error {
	s, err := r.manager.Open(ctx, course, r.session)
	if err != nil {
		if errors.Is(err, model.ErrIndexUnavailable) {
			return goerr.Wrap(err, "course is not built, run the build command first", goerr.V("course", course))
		}
		return err
	}
	r.course = course
	if n := len(s.Memory.Messages()); n > 0 {
		fmt.Fprintf(r.out, "Resumed %d message(s) of history for %s\n", n, course)
	}
	return nil
}

// handle processes one input line. Failures of a single turn are printed;
// only unrecoverable errors are returned.
func (r *chatREPL) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil

	case line == "exit" || line == "quit":
		return true, nil

	case line == "/help":
		fmt.Fprintln(r.out, chatHelp)

	case line == "/clear":
		if err := r.manager.ClearHistory(ctx, r.course, r.session); err != nil {
			fmt.Fprintf(r.out, "Failed to clear history: %v\n", err)
			return false, nil
		}
		fmt.Fprintln(r.out, "Chat history cleared")

	case strings.HasPrefix(line, "/course"):
		name := strings.TrimSpace(strings.TrimPrefix(line, "/course"))
		if name == "" {
			fmt.Fprintf(r.out, "Current course: %s\n", r.course)
			return false, nil
		}
		if err := r.switchCourse(ctx, name); err != nil {
			fmt.Fprintf(r.out, "Cannot switch course: %v\n", err)
			return false, nil
		}
		fmt.Fprintf(r.out, "Switched to %s\n", name)

	case strings.HasPrefix(line, "/key"):
		key := strings.TrimSpace(strings.TrimPrefix(line, "/key"))
		if key == "" {
			fmt.Fprintln(r.out, "Usage: /key <api-key>")
			return false, nil
		}
		services, err := r.rebind(ctx, key)
		if err == nil {
			err = r.manager.Rebind(ctx, services)
		}
		if err != nil {
			fmt.Fprintf(r.out, "Failed to apply API key: %v\n", err)
			return false, nil
		}
		fmt.Fprintln(r.out, "API key updated")

	case strings.HasPrefix(line, "/"):
		fmt.Fprintf(r.out, "Unknown command %q. Type /help for commands.\n", line)

	default:
		r.ask(ctx, line)
	}
	return false, nil
}

func (r *chatREPL) ask(ctx context.Context, message string) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(r.out))
	spin.Suffix = " Thinking..."
	spin.Start()
	answer, err := r.manager.Ask(ctx, r.course, r.session, message)
	spin.Stop()

	if err != nil {
		if errors.Is(err, model.ErrServiceOverloaded) {
			fmt.Fprintln(r.out, chat.OverloadedMessage)
		} else {
			fmt.Fprintf(r.out, "❌ Unexpected error: %v\n", err)
		}
		return
	}
	fmt.Fprintf(r.out, "\n%s\n\n", answer.Message.Text)
}
