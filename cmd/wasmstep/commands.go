package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/colorfulnotion/wasmstep/halting"
	"github.com/colorfulnotion/wasmstep/log"
	"github.com/colorfulnotion/wasmstep/programs"
	"github.com/colorfulnotion/wasmstep/vm"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	"github.com/spf13/cobra"
)

var errReplayMismatch = errors.New("replay diverged from the linear run")

// advance steps n times, or until the thread stops when n is 0.
func advance(v *vm.VM, n uint64) error {
	if n == 0 {
		return v.StepUntilFinished()
	}
	_, err := v.StepN(n)
	return err
}

// report prints where execution stands and turns a trap into exit status 2.
func report(w io.Writer, v *vm.VM) error {
	switch {
	case v.GotTrap():
		fmt.Fprintf(w, "trap after %d steps: %s\n", v.Counter(), v.TrapReason())
		return &exitError{code: exitTrap, err: v.TrapError()}
	case v.Finished():
		if r := v.Result(); r.IsVoid() {
			fmt.Fprintf(w, "finished after %d steps\n", v.Counter())
		} else {
			fmt.Fprintf(w, "finished after %d steps: %s\n", v.Counter(), r)
		}
	default:
		fmt.Fprintf(w, "paused at step %d\n", v.Counter())
	}
	return nil
}

func programsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "programs",
		Short: "List the bundled programs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range programs.Names() {
				p, err := programs.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", name, p.Description)
			}
			return nil
		},
	}
}

func runCmd(opts *options) *cobra.Command {
	var steps uint64
	cmd := &cobra.Command{
		Use:   "run <program>",
		Short: "Run a program to completion or for a number of steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := opts.start(args[0], cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := advance(v, steps); err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().Uint64Var(&steps, "steps", 0, "Stop after this many steps (0 runs to the end)")
	return cmd
}

func haltCmd(opts *options) *cobra.Command {
	var steps, start uint64
	cmd := &cobra.Command{
		Use:   "halt <program>",
		Short: "Step a program and ask whether it can never terminate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := opts.start(args[0], cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if _, err := v.StepN(steps); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !v.CanStep() {
				return report(out, v)
			}
			looping, err := halting.NewDetector(v).IsLooping(cmd.Context(), start)
			if errors.Is(err, vmerrors.ErrHCantMakeHaltingDecision) {
				fmt.Fprintf(out, "undecided at step %d: native calls ran since step %d\n", v.Counter(), start)
				return err
			}
			if err != nil {
				return err
			}
			if looping {
				fmt.Fprintf(out, "looping: the state at step %d recurs\n", v.Counter())
			} else {
				fmt.Fprintf(out, "no loop detected by step %d\n", v.Counter())
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&steps, "steps", 10000, "Steps to run before checking")
	cmd.Flags().Uint64Var(&start, "start", 0, "Earliest step a recurrence may start from")
	return cmd
}

func replayCheckCmd(opts *options) *cobra.Command {
	var steps uint64
	cmd := &cobra.Command{
		Use:   "replay-check <program>",
		Short: "Check that rewinding and replaying reproduces the linear run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := opts.start(args[0], cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if _, err := v.StepN(steps); err != nil {
				return err
			}
			diff, err := v.ReplayCheck(v.Counter())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if diff != "" {
				fmt.Fprintln(out, diff)
				return errReplayMismatch
			}
			fmt.Fprintf(out, "replay exact at step %d over %d checkpoints\n", v.Counter(), len(v.History()))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&steps, "steps", 1000, "Steps to run before checking")
	return cmd
}

func dumpCmd(opts *options) *cobra.Command {
	var steps uint64
	cmd := &cobra.Command{
		Use:   "dump <program>",
		Short: "Print the instruction trees and, after --steps, the thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, p, err := opts.start(args[0], cmd.OutOrStdout())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range p.Modules {
				for _, f := range m.Functions {
					fmt.Fprintf(out, "%s.%s %s\n", m.Name, f.Name, f.Type)
					fmt.Fprint(out, f.Tree().String())
				}
			}
			if steps == 0 {
				return nil
			}
			if _, err := v.StepN(steps); err != nil {
				return err
			}
			fmt.Fprintf(out, "step %d\n", v.Counter())
			fmt.Fprint(out, v.Thread().Tree().String())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&steps, "steps", 0, "Also dump the thread after this many steps")
	return cmd
}

func saveCmd(opts *options) *cobra.Command {
	var steps uint64
	cmd := &cobra.Command{
		Use:   "save <program> <name>",
		Short: "Run a program for some steps and store the paused execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, p, err := opts.start(args[0], cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if _, err := v.StepN(steps); err != nil {
				return err
			}
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			if err := store.Save(args[1], p.Name, v.State()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s at step %d\n", args[1], v.Counter())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&steps, "steps", 1000, "Steps to run before saving")
	return cmd
}

func resumeCmd(opts *options) *cobra.Command {
	var (
		steps     uint64
		saveAgain bool
	)
	cmd := &cobra.Command{
		Use:   "resume <name>",
		Short: "Continue a saved execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			entry, err := store.Load(args[0])
			if err != nil {
				return err
			}
			p, err := programs.Lookup(entry.Program)
			if err != nil {
				return err
			}
			v, err := opts.newVM(p, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := v.SetState(entry.State); err != nil {
				return invalidInput(err)
			}
			log.Info(log.CLI, "resumed", "name", args[0], "program", p.Name, "step", v.Counter())
			if err := advance(v, steps); err != nil {
				return err
			}
			if saveAgain {
				if err := store.Save(args[0], p.Name, v.State()); err != nil {
					return err
				}
			}
			return report(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().Uint64Var(&steps, "steps", 0, "Stop after this many steps (0 runs to the end)")
	cmd.Flags().BoolVar(&saveAgain, "save", false, "Store the execution again when done")
	return cmd
}

func savedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "saved",
		Short: "List saved executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			names, err := store.List()
			if err != nil {
				return err
			}
			for _, name := range names {
				e, err := store.Load(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-14s step %d\n", name, e.Program, e.State.Counter)
			}
			return nil
		},
	}
}
