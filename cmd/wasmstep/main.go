// wasmstep runs the bundled example programs on the stepping VM: to
// completion, through the halting detector, through a replay check, or
// paused into and resumed from a LevelDB store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/colorfulnotion/wasmstep/interp"
	"github.com/colorfulnotion/wasmstep/log"
	"github.com/colorfulnotion/wasmstep/programs"
	"github.com/colorfulnotion/wasmstep/storage"
	"github.com/colorfulnotion/wasmstep/trace"
	"github.com/colorfulnotion/wasmstep/vm"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

const (
	exitOK           = 0
	exitFailure      = 1
	exitTrap         = 2
	exitInvalidInput = 3
)

var Version = "dev"

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalidInput(err error) error { return &exitError{code: exitInvalidInput, err: err} }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if vmerrors.IsFatal(err) {
		return exitInvalidInput
	}
	for _, e := range []error{programs.ErrUnknownProgram, storage.ErrNotFound, vmerrors.ErrDUnknownExport,
		vmerrors.ErrDUnknownImport, vmerrors.ErrDCorruptState, vmerrors.ErrDUnknownModule, vmerrors.ErrDBadArguments} {
		if errors.Is(err, e) {
			return exitInvalidInput
		}
	}
	return exitFailure
}

type options struct {
	configPath   string
	logLevel     string
	debug        string
	tracePath    string
	otlpEndpoint string
	dbPath       string
	cfg          vm.Config

	closers []func() error
}

func (o *options) onClose(f func() error) { o.closers = append(o.closers, f) }

func (o *options) close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil {
			log.Warn(log.CLI, "shutdown", "err", err)
		}
	}
	o.closers = nil
}

// setup applies logging, the config file and tracing. Flags given on the
// command line win over the config file.
func (o *options) setup(cmd *cobra.Command) error {
	if _, err := log.ParseLevel(o.logLevel); err != nil {
		return invalidInput(err)
	}
	log.InitLogger(o.logLevel)
	log.EnableModules(o.debug)

	if o.configPath != "" {
		fileCfg, err := vm.LoadConfig(o.configPath, vm.DefaultConfig())
		if err != nil {
			return invalidInput(err)
		}
		flags := cmd.Flags()
		if flags.Changed("max-call-depth") {
			fileCfg.MaxCallDepth = o.cfg.MaxCallDepth
		}
		if flags.Changed("max-instruction-depth") {
			fileCfg.MaxInstructionDepth = o.cfg.MaxInstructionDepth
		}
		if flags.Changed("checkpoint-interval") {
			fileCfg.CheckpointInterval = o.cfg.CheckpointInterval
		}
		if flags.Changed("chunk-size") {
			fileCfg.ChunkSize = o.cfg.ChunkSize
		}
		o.cfg = fileCfg
	}
	if err := o.cfg.Validate(); err != nil {
		return invalidInput(err)
	}

	if o.otlpEndpoint != "" {
		tp, err := newTracerProvider(cmd.Context(), o.otlpEndpoint)
		if err != nil {
			return err
		}
		otel.SetTracerProvider(tp)
		o.onClose(func() error { return tp.Shutdown(context.Background()) })
	}
	log.Debug(log.CLI, "config", "cfg", fmt.Sprintf("%+v", o.cfg))
	return nil
}

// newVM loads p into a fresh VM whose stdio natives print to out.
func (o *options) newVM(p *programs.Program, out io.Writer) (*vm.VM, error) {
	v, err := vm.New(o.cfg, interp.StdNatives(out))
	if err != nil {
		return nil, invalidInput(err)
	}
	if err := v.LoadModules(p.Modules...); err != nil {
		return nil, invalidInput(err)
	}
	if o.tracePath != "" {
		w, err := trace.NewJSONLTraceWriterFile(o.tracePath)
		if err != nil {
			return nil, err
		}
		o.onClose(w.Close)
		v.SetTraceWriter(w)
	}
	return v, nil
}

// start builds the named program and starts its entry function.
func (o *options) start(name string, out io.Writer) (*vm.VM, *programs.Program, error) {
	p, err := programs.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	v, err := o.newVM(p, out)
	if err != nil {
		return nil, nil, err
	}
	if err := v.StartAtFunction(p.Module, p.Function, p.Args); err != nil {
		return nil, nil, err
	}
	return v, p, nil
}

func (o *options) openStore() (*storage.StateStore, error) {
	s, err := storage.NewStateStore(o.dbPath, storage.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	o.onClose(s.Close)
	return s, nil
}

func newRootCmd(out, errOut io.Writer) (*cobra.Command, *options) {
	opts := &options{cfg: vm.DefaultConfig()}
	rootCmd := &cobra.Command{
		Use:           "wasmstep",
		Short:         "Stepping interpreter with rewind and loop detection",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "TOML file with VM settings")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.debug, "debug", "", "Modules with trace/debug output (interp,vm,halting,storage,cli)")
	pf.IntVar(&opts.cfg.MaxCallDepth, "max-call-depth", opts.cfg.MaxCallDepth, "Maximum call stack depth")
	pf.IntVar(&opts.cfg.MaxInstructionDepth, "max-instruction-depth", opts.cfg.MaxInstructionDepth, "Maximum instruction stack depth")
	pf.Uint64Var(&opts.cfg.CheckpointInterval, "checkpoint-interval", opts.cfg.CheckpointInterval, "Steps between automatic checkpoints (0 disables)")
	pf.Uint64Var(&opts.cfg.ChunkSize, "chunk-size", opts.cfg.ChunkSize, "Heap chunk size in bytes")
	pf.StringVar(&opts.tracePath, "trace", "", "Write one JSON line per step to this file (- for stdout)")
	pf.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "Export spans to this OTLP/HTTP endpoint (host:port)")
	pf.StringVar(&opts.dbPath, "db", "wasmstep.db", "LevelDB directory for saved executions")

	rootCmd.AddCommand(
		programsCmd(),
		runCmd(opts),
		haltCmd(opts),
		replayCheckCmd(opts),
		dumpCmd(opts),
		saveCmd(opts),
		resumeCmd(opts),
		savedCmd(opts),
	)
	return rootCmd, opts
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	rootCmd, opts := newRootCmd(out, errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	opts.close()
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
	}
	return exitCode(err)
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
