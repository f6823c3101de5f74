package boot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/telemetry"
)

// DefaultStabilityTimeout bounds the wait for services to settle after the last
// boot operation.
const DefaultStabilityTimeout = 30 * time.Second

// ErrAlreadyBooted is returned by a second call to Sequencer.Boot.
var ErrAlreadyBooted = errors.New("boot has already run")

// OperationRunner executes one boot operation with a boot-capable context.
type OperationRunner interface {
	RunBootOperation(ctx context.Context, op model.Operation, processors ProcessorTarget) error
}

// BootError reports the boot operation that aborted the boot.
type BootError struct {
	Index     int
	Operation model.Operation
	Err       error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("boot operation %d (%s at %s) failed: %v",
		e.Index+1, e.Operation.Name(), e.Operation.Address(), e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// Options configures a Sequencer.
type Options struct {
	// Runner executes the boot operations. Required.
	Runner OperationRunner

	// Container, if set, is awaited for stability once every operation ran.
	Container *services.Container

	// Processors collects the deployment processors registered during boot.
	// A new registry is used when nil.
	Processors *ProcessorRegistry

	// Telemetry, if set, receives the boot span, metrics and events.
	Telemetry *telemetry.Telemetry

	// Logger receives boot logs.
	Logger zerolog.Logger

	// StabilityTimeout bounds the wait for services to settle.
	StabilityTimeout time.Duration
}

// Result describes a completed boot.
type Result struct {
	BootID     string                    `json:"boot_id"`
	Operations int                       `json:"operations"`
	Duration   time.Duration             `json:"duration"`
	Stability  *services.StabilityReport `json:"stability,omitempty"`
}

// Sequencer runs the boot operations in order, on a single goroutine, and seals
// the deployment processor registry when done.
type Sequencer struct {
	runner     OperationRunner
	container  *services.Container
	processors *ProcessorRegistry
	tel        *telemetry.Telemetry
	logger     zerolog.Logger
	timeout    time.Duration

	mu     sync.Mutex
	booted bool
}

// NewSequencer creates a sequencer.
func NewSequencer(opts Options) *Sequencer {
	if opts.Processors == nil {
		opts.Processors = NewProcessorRegistry()
	}
	if opts.StabilityTimeout <= 0 {
		opts.StabilityTimeout = DefaultStabilityTimeout
	}
	return &Sequencer{
		runner:     opts.Runner,
		container:  opts.Container,
		processors: opts.Processors,
		tel:        opts.Telemetry,
		logger:     opts.Logger.With().Str("component", "boot").Logger(),
		timeout:    opts.StabilityTimeout,
	}
}

// Processors returns the deployment processor registry.
func (s *Sequencer) Processors() *ProcessorRegistry { return s.processors }

// Chain returns a deployment chain over the registered processors.
func (s *Sequencer) Chain() *Chain { return NewChain(s.processors) }

// Boot dispatches ops in order. The first failure aborts the boot with a
// *BootError; no further operation runs. Once every operation succeeded, Boot waits
// for the service container to settle and logs services that are missing
// dependencies or failed to start. Those do not fail the boot.
//
// The processor registry is sealed when Boot returns, whatever the outcome.
func (s *Sequencer) Boot(ctx context.Context, ops []model.Operation) (*Result, error) {
	if s.runner == nil {
		return nil, errors.New("boot sequencer has no operation runner")
	}

	s.mu.Lock()
	if s.booted {
		s.mu.Unlock()
		return nil, ErrAlreadyBooted
	}
	s.booted = true
	s.mu.Unlock()
	defer s.processors.Seal()

	bootID := uuid.New().String()
	logger := s.logger.With().Str("boot_id", bootID).Logger()
	ic := s.tel.StartBoot(ctx, bootID, len(ops))

	logger.Info().Int("operations", len(ops)).Msg("Booting")
	start := time.Now()

	for i, op := range ops {
		err := ic.Ctx.Err()
		if err == nil {
			err = s.runner.RunBootOperation(ic.Ctx, op, s.processors)
		}
		if err != nil {
			berr := &BootError{Index: i, Operation: op, Err: err}
			logger.Error().Err(err).Int("index", i+1).Str("operation", op.Name()).
				Str("address", op.Address().String()).Msg("Boot failed")
			s.tel.FinishBoot(ic, bootID, berr)
			return nil, berr
		}
	}

	result := &Result{BootID: bootID, Operations: len(ops)}
	if s.container != nil {
		report, err := s.awaitStability(ic.Ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Services did not settle after boot")
		} else {
			s.logProblems(logger, report)
			s.tel.ObserveServices(report)
			result.Stability = report
		}
	}

	result.Duration = time.Since(start)
	logger.Info().Dur("duration", result.Duration).Int("processors", len(s.processors.Entries())).Msg("Boot completed")
	s.tel.FinishBoot(ic, bootID, nil)
	return result, nil
}

func (s *Sequencer) awaitStability(ctx context.Context) (*services.StabilityReport, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	return s.container.AwaitStability(ctx)
}

func (s *Sequencer) logProblems(logger zerolog.Logger, report *services.StabilityReport) {
	for _, name := range sortedNames(report.Missing) {
		deps := report.Missing[name]
		missing := make([]string, len(deps))
		for i, d := range deps {
			missing[i] = d.String()
		}
		logger.Warn().Str("service", name.String()).Strs("missing", missing).Msg("Service is missing dependencies")
	}
	for _, name := range sortedNames(report.Failed) {
		logger.Error().Str("service", name.String()).Str("failure", report.Failed[name]).Msg("Service failed to start")
	}
}

func sortedNames[V any](m map[services.Name]V) []services.Name {
	names := make([]services.Name, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
