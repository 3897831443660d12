package textir

import (
	"fmt"
	"strings"

	"github.com/tinyrange/redec/internal/ir"
)

// Print renders proc with one line per statement, blocks in CFG order with
// their successor lists. The output is the golden-test surface for the SSA
// passes.
func Print(proc *ir.Proc) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "proc %s\n", proc.Name())
	for _, bb := range proc.Cfg().Blocks() {
		succs := make([]string, len(bb.OutEdges()))
		for i, s := range bb.OutEdges() {
			succs[i] = s.Name()
		}
		if len(succs) > 0 {
			fmt.Fprintf(&sb, "block %s -> %s\n", bb.Name(), strings.Join(succs, ", "))
		} else {
			fmt.Fprintf(&sb, "block %s\n", bb.Name())
		}
		for _, s := range bb.Stmts() {
			fmt.Fprintf(&sb, "  %s\n", s)
		}
	}
	return sb.String()
}
