package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tinyrange/redec/internal/dataflow"
	"github.com/tinyrange/redec/internal/exp"
	"github.com/tinyrange/redec/internal/ir"
	"github.com/tinyrange/redec/internal/textir"
)

func main() {
	var (
		verbose      bool
		assumeABI    bool
		renameLocals bool
		showDoms     bool
		convertImpl  bool
	)

	root := &cobra.Command{
		Use:   "redec <proc.ir>",
		Short: "Run SSA construction over a textual procedure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			proc, err := textir.ParseProc(string(data))
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}
			dataflow.AssumeABI = assumeABI
			df := dataflow.New(proc)
			df.RenameLocalsAndParams = renameLocals
			if err := df.Dominators(proc.Cfg()); err != nil {
				return err
			}
			if showDoms {
				printDominators(cmd, df)
			}
			df.PlacePhiFunctions()
			if _, err := df.RenameBlockVars(0, true); err != nil {
				return err
			}
			if convertImpl {
				convertUses(proc.Cfg())
				df.ConvertImplicits(proc.Cfg())
			}
			fmt.Fprint(cmd.OutOrStdout(), textir.Print(proc))
			return nil
		},
	}
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.Flags().BoolVar(&assumeABI, "assume-abi", false, "childless calls define only their declared locations")
	root.Flags().BoolVar(&renameLocals, "rename-locals", false, "rename locals and stack-pattern memory locations")
	root.Flags().BoolVar(&showDoms, "doms", false, "print the dominator tree and frontiers")
	root.Flags().BoolVar(&convertImpl, "implicits", false, "convert {-} subscripts to entry definitions")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printDominators(cmd *cobra.Command, df *dataflow.DataFlow) {
	out := cmd.OutOrStdout()
	for n := 0; n < df.NumBBs(); n++ {
		idom := "-"
		if i := df.Idom(n); i != -1 {
			idom = fmt.Sprintf("%d", i)
		}
		front := df.DF(n).ToSlice()
		sort.Ints(front)
		fmt.Fprintf(out, "block %d idom %s df %v\n", n, idom, front)
	}
}

// convertUses rewrites the implicit {-} subscripts inside assignments,
// returns, call arguments and branch conditions to references to entry
// definitions, so the printed form matches the converted placement maps.
// Phi statements are left as they are.
func convertUses(cfg *ir.Cfg) {
	ic := ir.NewImplicitConverter(cfg)
	for _, bb := range cfg.Blocks() {
		for _, s := range bb.Stmts() {
			switch t := s.(type) {
			case *ir.Assign:
				t.Rhs = applyConv(ic, t.Rhs)
				t.Lhs = applyConv(ic, t.Lhs)
			case *ir.ReturnStatement:
				for i, r := range t.Returns {
					t.Returns[i] = applyConv(ic, r)
				}
			case *ir.CallStatement:
				for i, a := range t.Args {
					t.Args[i] = applyConv(ic, a)
				}
			case *ir.BranchStatement:
				t.Cond = applyConv(ic, t.Cond)
			}
		}
	}
}

func applyConv(ic *ir.ImplicitConverter, e exp.Exp) exp.Exp {
	return exp.Modify(e, ic.Convert)
}
