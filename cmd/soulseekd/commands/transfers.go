package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/soulseekd/soulseekd/internal/bytesize"
	"github.com/soulseekd/soulseekd/internal/cli/output"
	"github.com/soulseekd/soulseekd/pkg/config"
	"github.com/soulseekd/soulseekd/pkg/transfers"
)

var transfersCmd = &cobra.Command{
	Use:   "transfers",
	Short: "Inspect and maintain transfer records",
}

var (
	listUsername string
	listAll      bool
	listLimit    int
)

var transfersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List upload records",
	Long: `List upload records from the transfer database, newest first.

Examples:
  # Most recent uploads
  soulseekd transfers list

  # Every record for one user, superseded ones included
  soulseekd transfers list --username alice --all`,
	RunE: runTransfersList,
}

var (
	pruneAge    time.Duration
	pruneStates []string
)

var transfersPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old completed upload records",
	Long: `Delete completed upload records older than the given age.

Only terminal records can be pruned; queued and in-progress transfers are
never touched.

Examples:
  # Drop succeeded and cancelled records older than 30 days
  soulseekd transfers prune

  # Drop errored records older than a week
  soulseekd transfers prune --age 168h --states errored`,
	RunE: runTransfersPrune,
}

func init() {
	transfersListCmd.Flags().StringVar(&listUsername, "username", "", "Only records for this user")
	transfersListCmd.Flags().BoolVar(&listAll, "all", false, "Include superseded (removed) records")
	transfersListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum records to show (0 = unlimited)")

	transfersPruneCmd.Flags().DurationVar(&pruneAge, "age", 30*24*time.Hour, "Minimum record age")
	transfersPruneCmd.Flags().StringSliceVar(&pruneStates, "states", []string{"succeeded", "cancelled"},
		"Terminal states to prune (succeeded, cancelled, errored)")

	transfersCmd.AddCommand(transfersListCmd)
	transfersCmd.AddCommand(transfersPruneCmd)
}

// transferTable renders upload records for the terminal.
type transferTable []*transfers.Transfer

func (tt transferTable) Headers() []string {
	return []string{"ID", "USERNAME", "FILE", "STATE", "SIZE", "DONE", "REQUESTED", "EXCEPTION"}
}

func (tt transferTable) Rows() [][]string {
	rows := make([][]string, 0, len(tt))
	for _, t := range tt {
		exception := "-"
		if t.Exception != nil {
			exception = *t.Exception
		}
		file := t.Filename
		if i := strings.LastIndexByte(file, '\\'); i >= 0 {
			file = file[i+1:]
		}
		rows = append(rows, []string{
			shortID(t.ID),
			t.Username,
			file,
			t.StateString,
			bytesize.ByteSize(t.Size).String(),
			fmt.Sprintf("%.0f%%", t.PercentComplete()),
			t.RequestedAt.Local().Format("Jan 2 15:04"),
			exception,
		})
	}
	return rows
}

// shortID abbreviates a transfer id for display. Hand-edited or foreign
// databases may carry ids shorter than the UUID prefix.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func openStore() (*transfers.Store, error) {
	cfg, err := config.MustLoad(configFile)
	if err != nil {
		return nil, err
	}
	return transfers.NewStore(&cfg.Database)
}

func runTransfersList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	records, err := store.List(cmd.Context(), transfers.DirectionUpload, transfers.ListFilter{
		Username:       listUsername,
		IncludeRemoved: listAll,
		Limit:          listLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list transfers: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No transfers found.")
		return nil
	}
	return output.PrintTable(os.Stdout, transferTable(records))
}

func runTransfersPrune(cmd *cobra.Command, args []string) error {
	states := make([]transfers.State, 0, len(pruneStates))
	for _, name := range pruneStates {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "succeeded":
			states = append(states, transfers.StateSucceeded)
		case "cancelled":
			states = append(states, transfers.StateCancelled)
		case "errored":
			states = append(states, transfers.StateErrored)
		default:
			return fmt.Errorf("unknown state %q (valid: succeeded, cancelled, errored)", name)
		}
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	pruned, err := store.Prune(cmd.Context(), transfers.DirectionUpload, pruneAge, states)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	fmt.Printf("Pruned %d transfer record(s).\n", pruned)
	return nil
}
