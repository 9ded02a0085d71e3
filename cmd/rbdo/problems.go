package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/rbdo/internal/rbdo"
)

type problemInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Variables []string `json:"variables"`
}

func newProblemsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "problems",
		Short: "List the registered problem scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.listProblems(asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func (a *app) listProblems(asJSON bool) error {
	var infos []problemInfo
	for _, s := range a.registry.List() {
		def, _ := a.registry.Lookup(s.ID)
		infos = append(infos, problemInfo{ID: s.ID, Name: s.Name, Variables: variableNames(def.Ranges)})
	}
	if asJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDIM")
	for _, p := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p.ID, p.Name, len(p.Variables))
	}
	return tw.Flush()
}

// variableNames orders a scenario's variables the way runs see them.
func variableNames(ranges map[string][2]float64) []string {
	rm, err := rbdo.NewRangeMap(ranges)
	if err != nil {
		return nil
	}
	return rm.Names()
}
