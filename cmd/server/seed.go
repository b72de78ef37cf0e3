package main

import (
	"errors"

	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/credential/boltstore"
	"github.com/kokukuma/mdoc-presentment/internal/fixtures"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Issue the sample credentials into the bolt store",
	Long: `seed issues Erika's and Max's mDLs and Erika's PID (mdoc and SD-JWT VC)
under the authority in --pki-dir and stores them in --store-path,
replacing credentials with the same ids.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Store.Path == "" {
			return errors.New("seed needs --store-path")
		}

		authority, err := fixtures.LoadOrCreateAuthority(cfg.PKI.Dir)
		if err != nil {
			return err
		}
		store, err := boltstore.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		return seed(store, authority)
	},
}

func seed(store credential.Store, authority *fixtures.Authority) error {
	creds, err := authority.Wallet()
	if err != nil {
		return err
	}
	for _, c := range creds {
		if err := store.Put(c); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"id": c.ID, "type": c.Type(), "format": c.Format}).Info("seed: credential stored")
	}
	return nil
}
