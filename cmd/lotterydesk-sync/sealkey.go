package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/lotterydesk/internal/crypto"
	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
)

var sealKeyCmd = &cobra.Command{
	Use:   "seal-key",
	Short: "Encrypt a cloud API key for cloud.api_key",
	Long: `Read an API key from stdin and print a sealed value for cloud.api_key.

The sealed value only opens on this machine.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return apperrors.New(apperrors.ErrValidation, "no API key on stdin")
		}
		sealed, err := crypto.Seal(strings.TrimSpace(line), crypto.MachineID())
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "failed to seal API key", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}
