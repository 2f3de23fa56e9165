// Command aviary is a thin terminal client for the Aviary platform: one-shot
// streaming chat turns and generation jobs, driven by the client core.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"

	"github.com/aviaryhq/aviary-go/auth"
	"github.com/aviaryhq/aviary-go/config"
	"github.com/aviaryhq/aviary-go/genjob"
	"github.com/aviaryhq/aviary-go/log"
	"github.com/aviaryhq/aviary-go/session"
	"github.com/aviaryhq/aviary-go/store"
	"github.com/aviaryhq/aviary-go/stream"
	"github.com/aviaryhq/aviary-go/transport"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	responseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))
)

func main() {
	app := &cli.App{
		Name:  "aviary",
		Usage: "chat with Aviary agents and run generation jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to aviary.yaml",
				Value:   "aviary.yaml",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log core activity to stderr",
			},
		},
		Commands: []*cli.Command{
			chatCommand(),
			generateCommand(),
			configCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

// core bundles the wired client components.
type core struct {
	engine *session.Engine
	poller *genjob.Poller
	snap   *store.Store
}

// buildCore wires snapshot, auth, transport, stream client, engine, and
// poller from the config file.
func buildCore(c *cli.Context) (*core, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base_url is required in the config file")
	}

	logger := log.Nop()
	if c.Bool("verbose") {
		logger = log.NewLogger()
	}

	snapPath := cfg.SnapshotPath
	if snapPath == "" {
		snapPath = store.DefaultPath()
	}
	snap, err := store.Open(snapPath)
	if err != nil {
		return nil, err
	}
	logger.Sugar().Debugf("using config %s, snapshot %s", c.String("config"), snapPath)

	tokens := auth.NewSource(snap)
	var transportOpts []transport.ClientOption
	transportOpts = append(transportOpts, transport.WithLogger(logger))
	if cfg.Timeout.Duration > 0 {
		transportOpts = append(transportOpts, transport.WithTimeout(cfg.Timeout.Duration))
	}
	client := transport.NewClient(cfg.BaseURL, tokens, transportOpts...)
	streams := stream.NewClient(client, stream.WithLogger(logger))

	chatCfg := session.LoadChatConfig(snap)
	if cfg.Chat.ModelID != "" {
		chatCfg.ModelID = cfg.Chat.ModelID
	}
	if cfg.Chat.Temperature != nil {
		chatCfg.Temperature = *cfg.Chat.Temperature
	}
	if cfg.Chat.TopP != nil {
		chatCfg.TopP = *cfg.Chat.TopP
	}
	if cfg.Chat.MaxTokens != nil {
		chatCfg.MaxTokens = *cfg.Chat.MaxTokens
	}
	if cfg.Chat.Stream != nil {
		chatCfg.Stream = *cfg.Chat.Stream
	}

	pollCfg := genjob.DefaultConfig()
	if cfg.Poll.InitialInterval.Duration > 0 {
		pollCfg.InitialInterval = cfg.Poll.InitialInterval.Duration
	}
	if cfg.Poll.Multiplier > 0 {
		pollCfg.Multiplier = cfg.Poll.Multiplier
	}
	if cfg.Poll.MaxInterval.Duration > 0 {
		pollCfg.MaxInterval = cfg.Poll.MaxInterval.Duration
	}
	if cfg.Poll.MaxAttempts > 0 {
		pollCfg.MaxAttempts = cfg.Poll.MaxAttempts
	}
	if cfg.Poll.CacheTTL.Duration > 0 {
		pollCfg.CacheTTL = cfg.Poll.CacheTTL.Duration
	}

	return &core{
		engine: session.NewEngine(client, streams, snap, chatCfg, logger),
		poller: genjob.NewPoller(client, pollCfg, logger),
		snap:   snap,
	}, nil
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "send one message to an agent and stream the reply",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "agent",
				Aliases:  []string{"a"},
				Usage:    "agent id to talk to",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "new",
				Usage: "start a fresh session instead of resuming the last one",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("usage: aviary chat --agent <id> <message>")
			}
			app, err := buildCore(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			agentID := c.String("agent")
			sessionID := ""
			if !c.Bool("new") {
				sessionID = app.engine.LastSessionID(agentID)
			}
			if err := app.engine.Init(ctx, agentID, sessionID, nil); err != nil {
				return err
			}

			fmt.Println(promptStyle.Render("> " + c.Args().First()))

			app.engine.SetInput(c.Args().First())
			if err := app.engine.SendAndWait(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					fmt.Println(statusStyle.Render("(aborted)"))
					return nil
				}
				return err
			}
			if sessErr := app.engine.Err(); sessErr != "" {
				return errors.New(sessErr)
			}

			msgs := app.engine.Messages()
			if len(msgs) > 0 {
				fmt.Println(responseStyle.Render(msgs[len(msgs)-1].Content))
			}
			fmt.Println(statusStyle.Render("session " + app.engine.SessionID()))
			return nil
		},
	}
}

func generateCommand() *cli.Command {
	return &cli.Command{
		Name:      "generate",
		Usage:     "submit a generation task and poll it to completion",
		ArgsUsage: "<prompt>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "generation kind (image, video)",
				Value: "image",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("usage: aviary generate [--kind image|video] <prompt>")
			}
			app, err := buildCore(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			taskID, err := app.poller.Submit(ctx, genjob.Params{
				Kind:   c.String("kind"),
				Prompt: c.Args().First(),
			})
			if err != nil {
				return err
			}
			fmt.Println(statusStyle.Render("task " + taskID))

			task, err := app.poller.PollUntilTerminal(ctx, taskID)
			if err != nil {
				if errors.Is(err, transport.ErrCanceled) {
					fmt.Println(statusStyle.Render("(aborted)"))
					return nil
				}
				return err
			}

			switch task.Status {
			case genjob.StatusSucceeded:
				fmt.Println(responseStyle.Render(string(task.Result)))
			case genjob.StatusFailed:
				return errors.New("generation failed: " + task.Error)
			case genjob.StatusCanceled:
				fmt.Println(statusStyle.Render("task canceled server-side"))
			}
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "show the persisted chat configuration",
		Action: func(c *cli.Context) error {
			app, err := buildCore(c)
			if err != nil {
				return err
			}
			cfg := app.engine.Config()
			fmt.Printf("model:       %s\n", cfg.ModelID)
			fmt.Printf("temperature: %.2f\n", cfg.Temperature)
			fmt.Printf("top_p:       %.2f\n", cfg.TopP)
			fmt.Printf("max_tokens:  %d\n", cfg.MaxTokens)
			fmt.Printf("stream:      %v\n", cfg.Stream)
			return nil
		},
	}
}
