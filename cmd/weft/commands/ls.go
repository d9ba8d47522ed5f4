package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newLsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [app]",
		Short: "List applications or an application's tracked state",
		Long: `Without arguments, list the applications present in the state
database. With an application name, list its components and the target
states each one tracks.`,
		Example: `  # List applications
  weft ls

  # Show what the docs application tracks
  weft ls docs`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				apps, err := store.ListApps(ctx)
				if err != nil {
					return err
				}
				if len(apps) == 0 {
					fmt.Println("No applications")
					return nil
				}
				for _, a := range apps {
					fmt.Println(a)
				}
				return nil
			}

			tracked, err := store.ListAllTracked(ctx, args[0])
			if err != nil {
				return err
			}
			if len(tracked) == 0 {
				fmt.Printf("Application %q tracks nothing\n", args[0])
				return nil
			}

			byComponent := make(map[string][]string)
			for _, tt := range tracked {
				status := "committed"
				if tt.PreviousMayBeMissing() {
					status = "staged"
				}
				kind := ""
				if cands := tt.Candidates(); len(cands) > 0 {
					kind = cands[len(cands)-1].Handler.Kind
				}
				byComponent[tt.ComponentPath] = append(byComponent[tt.ComponentPath],
					fmt.Sprintf("  %s  kind=%s  %s", tt.Key, kind, status))
			}

			paths := make([]string, 0, len(byComponent))
			for p := range byComponent {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				fmt.Println(p)
				sort.Strings(byComponent[p])
				for _, line := range byComponent[p] {
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	return cmd
}
