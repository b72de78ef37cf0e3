// Command dcql evaluates a DCQL query file against a credential store and
// prints what a holder could present.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/credential/boltstore"
	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/internal/fixtures"
	"github.com/kokukuma/mdoc-presentment/internal/logging"
	"github.com/spf13/cobra"
)

var (
	storePath string
	logLevel  string
	dump      bool
)

var rootCmd = &cobra.Command{
	Use:   "dcql <query.json>",
	Short: "Evaluate a DCQL query against a credential store",
	Long: `dcql evaluates the query against the credentials in --store-path, or
against a freshly issued sample wallet, and prints every satisfiable
credential set with its options and matching credentials.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := logging.Setup(os.Stderr, logLevel, logging.FormatText); err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		query, err := dcql.Parse(data)
		if err != nil {
			return err
		}

		src, closeSource, err := openSource(storePath)
		if err != nil {
			return err
		}
		defer closeSource()

		resp, err := dcql.Execute(query, src)
		if err != nil {
			return err
		}
		if dump {
			spew.Fdump(cmd.OutOrStdout(), resp)
			return nil
		}
		printResponse(cmd.OutOrStdout(), resp)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&storePath, "store-path", "", "bolt database of credentials; empty issues a sample wallet")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
	rootCmd.Flags().BoolVar(&dump, "dump", false, "dump the full response structure")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openSource(path string) (credential.Source, func(), error) {
	if path != "" {
		store, err := boltstore.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	authority, err := fixtures.NewAuthority()
	if err != nil {
		return nil, nil, err
	}
	creds, err := authority.Wallet()
	if err != nil {
		return nil, nil, err
	}
	return credential.NewMemoryStore(creds...), func() {}, nil
}

func printResponse(w io.Writer, resp *dcql.Response) {
	for i, set := range resp.CredentialSets {
		kind := "required"
		if set.Optional {
			kind = "optional"
		}
		fmt.Fprintf(w, "credential set %d (%s)\n", i, kind)
		for j, opt := range set.Options {
			fmt.Fprintf(w, "  option %d\n", j)
			for _, member := range opt.Members {
				fmt.Fprintf(w, "    %s\n", member.Query.ID)
				for k, match := range member.Matches {
					fmt.Fprintf(w, "      [%d] %s (%s)\n", k, match.Credential.ID, match.Credential.DisplayName)
					for _, c := range match.Claims {
						fmt.Fprintf(w, "          %s = %s\n", c.Path, c.Value)
					}
				}
			}
		}
	}
}
