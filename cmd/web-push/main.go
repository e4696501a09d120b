// Command web-push generates VAPID keys, sends single notifications and
// broadcasts to a SQLite subscription database.
//
//	web-push generate-vapid-keys [--json] [--out vapid.pem]
//	web-push send-notification --endpoint=<url> --key=<p256dh> [--auth=<secret>] [--payload=<msg>] ...
//	web-push add-subscription [--subscription=<json>|-] [--user=<id>]
//	web-push broadcast --payload=<msg> [--ttl=<seconds>]
//
// Configuration is read from the environment (GCM_API_KEY, VAPID_SUBJECT,
// VAPID_PUBLIC_KEY, VAPID_PRIVATE_KEY, VAPID_KEY_FILE, VAPID_KMS_KEY,
// VAPID_PREVIOUS_KEY_FILES, WEBPUSH_DB, LOG_LEVEL); flags override it.
// Variables missing from the environment are also looked up in the file
// named by WEBPUSH_ENV_FILE, or ./.env when that exists.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/webpush-libs/webpush-go"
)

const usage = `Usage: web-push <command> [flags]

Commands:
  generate-vapid-keys   print a new VAPID key pair
  send-notification     send one notification to an endpoint
  add-subscription      store a PushSubscription JSON document
  broadcast             send a notification to every stored subscription
`

type config struct {
	GCMAPIKey         string     `env:"GCM_API_KEY"`
	VAPIDSubject      string     `env:"VAPID_SUBJECT"`
	VAPIDPublicKey    string     `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey   string     `env:"VAPID_PRIVATE_KEY"`
	VAPIDKeyFile      string     `env:"VAPID_KEY_FILE"`
	VAPIDKMSKey       string     `env:"VAPID_KMS_KEY"`
	PreviousVAPIDKeys []string   `env:"VAPID_PREVIOUS_KEY_FILES"`
	Database          string     `env:"WEBPUSH_DB, default=subscriptions.db"`
	LogLevel          slog.Level `env:"LOG_LEVEL, default=info"`
}

func loadConfig(ctx context.Context, l envconfig.Lookuper) (*config, error) {
	var cfg config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return &cfg, nil
}

const defaultEnvFile = ".env"

// environment layers a dotenv file under the process environment. An empty
// path means defaultEnvFile, which may be absent.
func environment(path string) (envconfig.Lookuper, error) {
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	vals, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return envconfig.OsLookuper(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return envconfig.MultiLookuper(envconfig.OsLookuper(), envconfig.MapLookuper(vals)), nil
}

type app struct {
	cfg    *config
	client *webpush.Client
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{
		client: webpush.NewClient(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	l, err := environment(os.Getenv("WEBPUSH_ENV_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "web-push:", err)
		os.Exit(1)
	}
	if err := a.run(ctx, os.Args[1:], l); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "web-push:", err)
		}
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, args []string, l envconfig.Lookuper) error {
	cfg, err := loadConfig(ctx, l)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logger := clog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	ctx = clog.WithLogger(ctx, logger)

	if len(args) == 0 {
		fmt.Fprint(a.stderr, usage)
		return flag.ErrHelp
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "generate-vapid-keys":
		return a.generateVAPIDKeys(ctx, args)
	case "send-notification":
		return a.sendNotification(ctx, args)
	case "add-subscription":
		return a.addSubscription(ctx, args)
	case "broadcast":
		return a.broadcast(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(a.stdout, usage)
		return nil
	default:
		fmt.Fprint(a.stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) flags(name string) *flag.FlagSet {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	set.SetOutput(a.stderr)
	return set
}
