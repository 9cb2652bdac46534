// triggerd turns inbound webhooks and matching IMAP emails into timed
// sensor trigger events.
//
// Usage:
//
//	triggerd serve               Start the daemon
//	triggerd state               Print the trigger state snapshot
//	triggerd token <op> <name>   Token operations against a running daemon
//	triggerd version             Print version information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eslider/triggerd/internal/config"
	"github.com/eslider/triggerd/internal/platform"
	"github.com/eslider/triggerd/internal/web"
)

var version = "1.0.0-dev"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	env, err := config.ProcessEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("environment")
	}

	switch os.Args[1] {
	case "serve":
		runServe(env)
	case "state":
		runState(env)
	case "health":
		runHealth(env)
	case "token":
		runToken(env, os.Args[2:])
	case "version":
		fmt.Printf("triggerd %s\n", version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: triggerd <command>

Commands:
  serve                         Start the daemon
  state                         Print the trigger state snapshot
  health                        Probe a running daemon
  token reveal <name>           Show a webhook's permanent token
  token regenerate <name>       Replace a webhook's permanent token
  token ephemeral <name> [ttl]  Grant a short-lived token (ttl seconds)
  version                       Print version information

Environment:
  TRIGGERD_CONFIG     Config file path (default: triggerd.yml)
  TRIGGERD_LOG_LEVEL  Log level override (debug, info, warn, error)
  TRIGGERD_ADMIN_URL  Admin API base URL for client commands
  TRIGGERD_ADMIN_SECRET  Admin secret for client commands`)
}

func runServe(env config.Env) {
	store, err := config.Load(env.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	cfg := store.Config()

	level := cfg.LogLevel
	if env.LogLevel != "" {
		level = env.LogLevel
	}
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := platform.New(store, nil, log.Logger)
	defer p.Close()
	if err := p.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("platform start")
	}

	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
	srv := &http.Server{Addr: addr, Handler: web.NewRouter(p, log.Logger)}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Info().Str("version", version).Str("addr", addr).
		Bool("localOnly", cfg.LocalOnly()).Msg("triggerd listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server")
	}
}

// adminClient builds the client for commands that talk to a running
// daemon. The base URL defaults to the configured port on loopback.
func adminClient(env config.Env) *web.Client {
	base := env.AdminURL
	if base == "" {
		port := config.DefaultPort
		if store, err := config.Load(env.Config); err == nil {
			port = store.Config().Port
		}
		base = fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	return web.NewClient(base, os.Getenv("TRIGGERD_ADMIN_SECRET"))
}

func runState(env config.Env) {
	snap, err := adminClient(env).State()
	if err != nil {
		log.Fatal().Err(err).Msg("state")
	}
	printJSON(snap)
}

func runHealth(env config.Env) {
	ms, err := adminClient(env).Health()
	if err != nil {
		log.Fatal().Err(err).Msg("health")
	}
	fmt.Printf("ok, up %dms\n", ms)
}

func runToken(env config.Env, args []string) {
	if len(args) < 2 {
		printUsage()
		os.Exit(1)
	}
	op, name := args[0], args[1]
	client := adminClient(env)

	switch op {
	case "reveal":
		res, err := client.Reveal(name)
		if err != nil {
			log.Fatal().Err(err).Str("trigger", name).Msg("reveal")
		}
		printJSON(res)
	case "regenerate":
		res, err := client.Regenerate(name)
		if err != nil {
			log.Fatal().Err(err).Str("trigger", name).Msg("regenerate")
		}
		printJSON(res)
	case "ephemeral":
		ttl := 300
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				log.Fatal().Str("ttl", args[2]).Msg("ttl must be a number of seconds")
			}
			ttl = n
		}
		grant, err := client.Ephemeral(name, ttl)
		if err != nil {
			log.Fatal().Err(err).Str("trigger", name).Msg("ephemeral")
		}
		printJSON(grant)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
