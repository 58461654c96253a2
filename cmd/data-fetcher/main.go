package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/drone/envsubst"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	ver "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/opencivic/datafetcher/bundledb"
	"github.com/opencivic/datafetcher/cmd/data-fetcher/app"
	"github.com/opencivic/datafetcher/modules/credentials"
	"github.com/opencivic/datafetcher/modules/kvstore"
	"github.com/opencivic/datafetcher/pkg/util/log"
)

const (
	appName = "data-fetcher"
	// appName is not a valid metric name component
	metricsNamespace = "datafetcher"
)

// Version is set via build flag -ldflags -X main.Version
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision

	prometheus.MustRegister(ver.NewCollector(metricsNamespace))
}

var cli struct {
	globalOptions

	Run     runCmd     `cmd:"" help:"Run the recipe for one registry id."`
	List    listCmd    `cmd:"" help:"List the recipe ids in the registry."`
	Health  healthCmd  `cmd:"" help:"Check connectivity of the configured backends."`
	Version versionCmd `cmd:"" help:"Print version information and exit."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(appName),
		kong.Description("Configuration-driven fetcher that bundles remote data into object storage."),
		kong.UsageOnError(),
		// bad arguments exit 2, configuration and runtime failures exit 1
		kong.Exit(func(code int) {
			if code != 0 {
				os.Exit(2)
			}
			os.Exit(0)
		}),
	)

	if err := ctx.Run(&cli.globalOptions); err != nil {
		fmt.Fprintf(os.Stderr, "%s: error: %v\n", appName, err)
		os.Exit(1)
	}
}

type globalOptions struct {
	ConfigFile      string `help:"Configuration file to load." name:"config.file"`
	ConfigExpandEnv bool   `help:"Expand environment variables in the configuration file and in recipes." name:"config.expand-env"`

	RegistryDir         string `help:"Directory holding recipe definitions (default ./registry)." name:"registry-dir"`
	CredentialsProvider string `help:"Credentials provider recipes resolve secrets from (environment, aws)." name:"credentials-provider"`
	Storage             string `help:"Bundle storage backend (file, s3)."`
	KVStore             string `help:"Key-value store backend (memory, redis)." name:"kvstore"`
	DevMode             bool   `help:"Run against local substitutes for cloud dependencies." name:"dev-mode"`

	LogLevel  string `help:"Log level." name:"log.level" enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." name:"log.format" enum:"logfmt,json" default:"logfmt"`
}

// setup turns the command line into a ready-to-use configuration and logger.
// Precedence is config file, then environment, then flags.
func (g *globalOptions) setup() (*app.Config, kitlog.Logger, error) {
	var lvl dslog.Level
	if err := lvl.Set(g.LogLevel); err != nil {
		return nil, nil, err
	}
	logger := log.InitLogger(g.LogFormat, lvl)

	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (g *globalOptions) loadConfig() (*app.Config, error) {
	cfg := &app.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", &flag.FlagSet{})

	if g.ConfigFile != "" {
		buff, err := os.ReadFile(g.ConfigFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read configFile %s", g.ConfigFile)
		}
		if g.ConfigExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to expand env vars from configFile %s", g.ConfigFile)
			}
			buff = []byte(s)
		}
		if err := yaml.UnmarshalStrict(buff, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse configFile %s", g.ConfigFile)
		}
	}

	if err := cfg.ApplyEnvironment(nil); err != nil {
		return nil, err
	}

	// overlay with cli
	if g.RegistryDir != "" {
		cfg.RegistryDir = g.RegistryDir
	}
	switch g.CredentialsProvider {
	case "":
	case credentials.ProviderEnvironment, credentials.ProviderAWS:
		cfg.Credentials.Provider = g.CredentialsProvider
	default:
		return nil, errors.Errorf("unknown credentials provider %q", g.CredentialsProvider)
	}
	switch g.Storage {
	case "":
	case "file":
		cfg.Storage.Backend = bundledb.BackendLocal
	case "s3":
		cfg.Storage.Backend = bundledb.BackendS3
	default:
		return nil, errors.Errorf("unknown storage backend %q", g.Storage)
	}
	switch g.KVStore {
	case "":
	case kvstore.BackendMemory, kvstore.BackendRedis:
		cfg.KVStore.Backend = g.KVStore
	default:
		return nil, errors.Errorf("unknown kvstore backend %q", g.KVStore)
	}
	if g.DevMode {
		cfg.DevMode = true
	}
	cfg.ExpandEnv = g.ConfigExpandEnv

	if cfg.RegistryDir == "" {
		cfg.RegistryDir = "./registry"
	}
	cfg.ApplyDevMode()

	return cfg, nil
}

type runCmd struct {
	RegistryID string `arg:"" help:"Registry id of the recipe to run."`
}

func (cmd *runCmd) Run(opts *globalOptions) error {
	cfg, logger, err := opts.setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	defer a.Shutdown()

	level.Info(logger).Log("msg", "starting "+appName, "version", version.Info(), "registry_id", cmd.RegistryID)

	res, err := a.Run(ctx, cmd.RegistryID)
	if err != nil {
		return err
	}

	// partial failures do not fail the run, they are logged for inspection
	for _, e := range res.Errors {
		level.Warn(logger).Log("msg", "run error", "err", e)
	}
	return nil
}

type listCmd struct{}

func (cmd *listCmd) Run(opts *globalOptions) error {
	cfg, _, err := opts.setup()
	if err != nil {
		return err
	}

	ids, err := app.NewRegistry(cfg.RegistryDir, cfg.ExpandEnv).List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

type healthCmd struct{}

func (cmd *healthCmd) Run(opts *globalOptions) error {
	cfg, logger, err := opts.setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	defer a.Shutdown()

	if err := a.Health(ctx); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

type versionCmd struct{}

func (cmd *versionCmd) Run(*globalOptions) error {
	fmt.Println(version.Print(appName))
	return nil
}
