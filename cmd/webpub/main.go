// Package main implements the webpub CLI: archive, extract, serve, push,
// list, rollback, token, and gc subcommands (spec.md §6).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/walnutgeek/webpub/pkg/archive"
	"github.com/walnutgeek/webpub/pkg/certutil"
	"github.com/walnutgeek/webpub/pkg/config"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/pushclient"
	"github.com/walnutgeek/webpub/pkg/resolver"
	"github.com/walnutgeek/webpub/pkg/store"
	"github.com/walnutgeek/webpub/pkg/syncserver"
	"github.com/walnutgeek/webpub/pkg/transport"
	"github.com/walnutgeek/webpub/pkg/transport/quic"
	"github.com/walnutgeek/webpub/pkg/transport/tcp"
)

// defaultTransport is the transport name used when --transport is omitted.
const defaultTransport = "quic"

func init() {
	transport.DefaultRegistry.Register("quic", quic.New())
	transport.DefaultRegistry.Register("tcp", tcp.New())
}

// pickTransport resolves a transport by name against the registry shared
// by serve, push, list, and rollback, so all four agree on what --transport
// accepts.
func pickTransport(name string) (transport.Transport, error) {
	t, ok := transport.DefaultRegistry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown transport %q (available: %v)", name, transport.DefaultRegistry.List())
	}
	return t, nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cmd := &cli.Command{
		Name:  "webpub",
		Usage: "publish and serve static sites with content-defined deduplication",
		Commands: []*cli.Command{
			archiveCommand(),
			extractCommand(),
			serveCommand(),
			pushCommand(),
			listCommand(),
			rollbackCommand(),
			tokenCommand(),
			gcCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "webpub: %v\n", err)
		os.Exit(1)
	}
}

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "archive a directory into a self-contained container file",
		ArgsUsage: "<dir> <file>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir, file := cmd.Args().Get(0), cmd.Args().Get(1)
			if dir == "" || file == "" {
				return fmt.Errorf("usage: webpub archive <dir> <file>")
			}
			scanned, err := merkle.Scan(dir)
			if err != nil {
				return fmt.Errorf("scan %s: %w", dir, err)
			}
			tree, chunks, err := merkle.Build(scanned)
			if err != nil {
				return fmt.Errorf("build tree: %w", err)
			}
			if err := archive.WriteTree(file, tree, chunks); err != nil {
				return fmt.Errorf("write archive: %w", err)
			}
			fmt.Printf("wrote %s\n", file)
			return nil
		},
	}
}

func extractCommand() *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "extract an archive into a directory",
		ArgsUsage: "<file> <dir>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			file, dir := cmd.Args().Get(0), cmd.Args().Get(1)
			if file == "" || dir == "" {
				return fmt.Errorf("usage: webpub extract <file> <dir>")
			}
			r, err := archive.Open(file)
			if err != nil {
				return fmt.Errorf("open %s: %w", file, err)
			}
			defer r.Close()
			if err := r.Extract(dir); err != nil {
				return fmt.Errorf("extract: %w", err)
			}
			fmt.Printf("extracted to %s\n", dir)
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve archived sites over HTTP and accept sync pushes",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "http-port", Value: config.DefaultHTTPPort},
			&cli.IntFlag{Name: "sync-port", Value: config.DefaultSyncPort},
			&cli.StringFlag{Name: "data", Value: "./data"},
			&cli.IntFlag{Name: "keep", Value: config.DefaultKeep},
			&cli.StringFlag{Name: "transport", Value: defaultTransport, Usage: "sync transport: quic or tcp"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			t, err := pickTransport(cmd.String("transport"))
			if err != nil {
				return err
			}
			return runServe(ctx, t, config.ServeConfig{
				HTTPPort: int(cmd.Int("http-port")),
				SyncPort: int(cmd.Int("sync-port")),
				DataDir:  cmd.String("data"),
				Keep:     int(cmd.Int("keep")),
			})
		},
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "push a directory to a server, creating a new snapshot",
		ArgsUsage: "<dir> <url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Required: true},
			&cli.StringFlag{Name: "transport", Value: defaultTransport, Usage: "sync transport: quic or tcp"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir, addr := cmd.Args().Get(0), cmd.Args().Get(1)
			if dir == "" || addr == "" {
				return fmt.Errorf("usage: webpub push <dir> <url> --host <name>")
			}
			token, ok := config.TokenFromEnv()
			if !ok {
				return fmt.Errorf("%s is not set", config.TokenEnvVar)
			}

			t, err := pickTransport(cmd.String("transport"))
			if err != nil {
				return err
			}
			conn, err := t.Dial(ctx, addr, certutil.ClientConfig())
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			id, err := pushclient.Push(conn, token, cmd.String("host"), dir)
			if err != nil {
				return fmt.Errorf("push: %w", err)
			}
			fmt.Printf("pushed snapshot %d for %s\n", id, cmd.String("host"))
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "list snapshots recorded for a hostname",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Required: true},
			&cli.StringFlag{Name: "transport", Value: defaultTransport, Usage: "sync transport: quic or tcp"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			addr := cmd.Args().Get(0)
			if addr == "" {
				return fmt.Errorf("usage: webpub list <url> --host <name>")
			}
			token, ok := config.TokenFromEnv()
			if !ok {
				return fmt.Errorf("%s is not set", config.TokenEnvVar)
			}

			t, err := pickTransport(cmd.String("transport"))
			if err != nil {
				return err
			}
			conn, err := t.Dial(ctx, addr, certutil.ClientConfig())
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			snaps, err := pushclient.ListSnapshots(conn, token, cmd.String("host"))
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			for _, snap := range snaps {
				current := ""
				if snap.IsCurrent {
					current = " (current)"
				}
				fmt.Printf("%d\t%s%s\n", snap.ID, time.Unix(snap.CreatedAt, 0).Format("2006-01-02T15:04:05Z07:00"), current)
			}
			return nil
		},
	}
}

func rollbackCommand() *cli.Command {
	return &cli.Command{
		Name:      "rollback",
		Usage:     "move a hostname's current pointer to a previous snapshot",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Required: true},
			&cli.IntFlag{Name: "to", Value: 0},
			&cli.StringFlag{Name: "transport", Value: defaultTransport, Usage: "sync transport: quic or tcp"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			addr := cmd.Args().Get(0)
			if addr == "" {
				return fmt.Errorf("usage: webpub rollback <url> --host <name> [--to <id>]")
			}
			token, ok := config.TokenFromEnv()
			if !ok {
				return fmt.Errorf("%s is not set", config.TokenEnvVar)
			}

			t, err := pickTransport(cmd.String("transport"))
			if err != nil {
				return err
			}
			conn, err := t.Dial(ctx, addr, certutil.ClientConfig())
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			id, err := pushclient.Rollback(conn, token, cmd.String("host"), cmd.Int("to"))
			if err != nil {
				return fmt.Errorf("rollback: %w", err)
			}
			fmt.Printf("current snapshot for %s is now %d\n", cmd.String("host"), id)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	dataFlag := &cli.StringFlag{Name: "data", Value: "./data"}
	return &cli.Command{
		Name:  "token",
		Usage: "manage sync authentication tokens",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Flags: []cli.Flag{dataFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					st, err := store.Open(cmd.String("data"))
					if err != nil {
						return err
					}
					defer st.Close()
					tok, err := st.AddToken(ctx)
					if err != nil {
						return err
					}
					fmt.Println(tok)
					return nil
				},
			},
			{
				Name:  "list",
				Flags: []cli.Flag{dataFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					st, err := store.Open(cmd.String("data"))
					if err != nil {
						return err
					}
					defer st.Close()
					toks, err := st.ListTokens(ctx)
					if err != nil {
						return err
					}
					for _, tok := range toks {
						fmt.Printf("%s\t%s\n", tok.Token, tok.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
					}
					return nil
				},
			},
			{
				Name:      "revoke",
				ArgsUsage: "<token>",
				Flags:     []cli.Flag{dataFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					tok := cmd.Args().Get(0)
					if tok == "" {
						return fmt.Errorf("usage: webpub token revoke <token>")
					}
					st, err := store.Open(cmd.String("data"))
					if err != nil {
						return err
					}
					defer st.Close()
					return st.RevokeToken(ctx, tok)
				},
			},
		},
	}
}

func gcCommand() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "delete chunks unreachable from every snapshot of every hostname",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Value: "./data"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := store.Open(cmd.String("data"))
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := st.GC(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d unreachable chunk(s)\n", n)
			return nil
		},
	}
}

// runServe starts the HTTP resolver and sync server side by side, both
// reading from the same store, until the process is interrupted.
func runServe(ctx context.Context, t transport.Transport, cfg config.ServeConfig) error {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tlsCfg, err := certutil.ServerConfig()
	if err != nil {
		return fmt.Errorf("generate TLS config: %w", err)
	}

	listener, err := t.Listen(ctx, fmt.Sprintf(":%d", cfg.SyncPort), tlsCfg)
	if err != nil {
		return fmt.Errorf("listen sync: %w", err)
	}
	defer listener.Close()

	srv := syncserver.New(st, cfg.Keep)
	go func() {
		if err := srv.Serve(ctx, listener); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("sync server stopped")
		}
	}()

	httpLn, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	defer httpLn.Close()

	res := resolver.New(st)
	log.Info().Int("http_port", cfg.HTTPPort).Int("sync_port", cfg.SyncPort).Str("transport", t.Name()).Str("data", cfg.DataDir).Msg("serving")
	return http.Serve(httpLn, res.Router())
}
