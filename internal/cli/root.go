package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// DefaultAPIURL — адрес API по умолчанию; переопределяется DOCFLOW_API_URL.
const DefaultAPIURL = "http://localhost:8080"

// NewRootCmd собирает корневую команду docflow.
func NewRootCmd(version string) *cobra.Command {
	var apiURL string
	var format string

	rootCmd := &cobra.Command{
		Use:           "docflow",
		Short:         "Docflow CLI: document processing pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			f, err := ParseFormat(format)
			if err != nil {
				return err
			}
			format = f
			return nil
		},
	}

	defaultURL := DefaultAPIURL
	if env := os.Getenv("DOCFLOW_API_URL"); env != "" {
		defaultURL = env
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", FormatTable, "Output format (table, json)")

	clientFn := func() *Client { return NewClient(apiURL) }
	outputFn := func() *Output {
		return NewOutput(format, rootCmd.OutOrStdout(), rootCmd.ErrOrStderr())
	}

	rootCmd.AddCommand(
		NewDocumentCmd(clientFn, outputFn),
		NewBatchCmd(clientFn, outputFn),
	)

	return rootCmd
}
