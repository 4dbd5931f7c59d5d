package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/jiva_gateway/internal/webhook"
)

// signCmd computes the signature a receiver should expect for a payload.
var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a webhook payload",
	Long: `Print the hex HMAC-SHA256 of a payload, as sent in x-jiva-signature.
Reads the payload from --data, --file, or stdin.

Example:
  jivactl sign --secret s3cret --data '{"jobId":"123"}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		data, _ := cmd.Flags().GetString("data")
		file, _ := cmd.Flags().GetString("file")
		verify, _ := cmd.Flags().GetString("verify")
		if secret == "" {
			return fmt.Errorf("--secret is required")
		}

		var body []byte
		switch {
		case data != "":
			body = []byte(data)
		case file != "":
			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			body = b
		default:
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			body = b
		}

		if verify != "" {
			if !webhook.Verify(secret, body, verify) {
				return fmt.Errorf("signature does not match")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signature OK")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), webhook.Sign(secret, body))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().String("secret", "", "webhook secret")
	signCmd.Flags().String("data", "", "payload literal")
	signCmd.Flags().String("file", "", "payload file")
	signCmd.Flags().String("verify", "", "check this signature instead of printing one")
}
