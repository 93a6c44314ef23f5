package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"servis-go/internal/intent"
)

// newClassifyCmd runs the keyword classifier locally, without a daemon.
func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <text>...",
		Short: "Show how a command would be classified",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := intent.New().Classify(strings.Join(args, " "))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "intent:     %s\n", res.Intent)
			fmt.Fprintf(out, "confidence: %.2f\n", res.Confidence)

			keys := make([]string, 0, len(res.Params))
			for k := range res.Params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "param:      %s=%s\n", k, res.Params[k])
			}
			return nil
		},
	}
}
