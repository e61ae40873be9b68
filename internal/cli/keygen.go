package cli

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tronvault/tronvault/internal/custody"
)

func newKeygenCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a custody master key",
		Long: `Generate a random 32-byte custody master key and print it as a CUSTODY_KEYS entry.
Append the entry to CUSTODY_KEYS and point CUSTODY_ACTIVE_KEY at it to rotate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = "k" + time.Now().UTC().Format("20060102")
			}
			if strings.ContainsAny(id, ":,") || len(id) > 255 {
				return fmt.Errorf("key id %q must not contain ':' or ',' and must be at most 255 bytes", id)
			}
			key, err := custody.GenerateMasterKey()
			if err != nil {
				return err
			}
			defer custody.Zero(key)
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", id, hex.EncodeToString(key))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id (defaults to k<yyyymmdd>)")
	return cmd
}
