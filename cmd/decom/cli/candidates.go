package cli

import (
	"context"
	"strconv"

	"github.com/idfleet/idfleet/cmd"
	"github.com/idfleet/idfleet/decommission"
	"github.com/spf13/cobra"
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List candidates",
	Long:  `Lists identities that qualify for decommission under the current settings.`,
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
		defer cancel()
		res, err := decom.Candidates(ctx)
		cmd.ErrCheck(err)

		var data [][]string
		res.Each(func(cat decommission.Category, x decommission.Candidate) {
			data = append(data, []string{x.IdentityID, x.Name, string(cat), strconv.Itoa(x.DaysInState)})
		})
		if len(data) == 0 {
			cmd.End("No candidates found.")
		}
		cmd.RenderTable([]string{"identity", "name", "category", "days"}, data)
		cmd.Message("Found %d candidates", aurora.White(len(data)).Bold())
	},
}
