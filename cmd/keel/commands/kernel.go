package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/kernel"
)

// loadConfig reads the file named by --config.
func loadConfig() (*config.Loader, *config.ServerConfig, error) {
	if configPath == "" {
		return nil, nil, errors.New("--config is required")
	}
	loader := config.NewLoader()
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

// bootKernel assembles a kernel and boots it. The caller closes the kernel with
// closeKernel.
func bootKernel(ctx context.Context, loader *config.Loader, cfg *config.ServerConfig, opts kernel.Options) (*kernel.Kernel, error) {
	if opts.Version == "" {
		opts.Version = version
	}

	k, err := kernel.New(ctx, loader, cfg, opts)
	if err != nil {
		return nil, err
	}
	res, err := k.Boot(ctx)
	if err != nil {
		closeKernel(k)
		return nil, err
	}
	log.Debug().
		Str("boot_id", res.BootID).
		Int("operations", res.Operations).
		Dur("duration", res.Duration).
		Msg("Kernel booted")
	return k, nil
}

// closeKernel shuts the kernel down, independently of the command context.
func closeKernel(k *kernel.Kernel) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := k.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Kernel shutdown incomplete")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
