package audioengine

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gwatts/rootcerts"
	"github.com/spf13/pflag"

	"github.com/groovelab/audioengine/internal/logging"
)

// Run builds an engine from cfg, serves it on cfg.Listen and blocks until ctx
// is done. The engine is closed before Run returns.
func Run(ctx context.Context, cfg Config, opts ...Option) error {
	logging.SetLevel(cfg.LogLevel)
	if cfg.LogJSON {
		logging.SetOutput(os.Stdout, true)
	}
	logger := logging.GetSubsystemLogger("main")

	http.DefaultClient.Timeout = 1 * time.Minute

	if err := rootcerts.UpdateDefaultTransport(); err != nil {
		logger.Warn().Err(err).Msg("failed to load Root CA certificates")
	}
	logger.Info().
		Int("ca_certs_loaded", len(rootcerts.Certs())).
		Msg("loaded Root CA certificates")

	engine, err := NewEngine(cfg, append([]Option{WithLogger(*logging.GetDefaultLogger())}, opts...)...)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn().Err(err).Msg("engine close")
		}
	}()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	server := NewServer(engine, *logging.GetDefaultLogger())
	return server.ListenAndServe(ctx, cfg.Listen)
}

// Main loads the configuration at configPath, with changed flags taking
// precedence, and runs until SIGINT or SIGTERM
func Main(configPath string, flags *pflag.FlagSet) {
	logger := logging.GetSubsystemLogger("main")

	cfg, err := LoadConfig(configPath, flags)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().Str("listen", cfg.Listen).Msg("starting audio engine")
	if err := Run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("audio engine stopped with error")
		cancel()
		os.Exit(1)
	}
	logger.Info().Msg("audio engine shut down")
}
