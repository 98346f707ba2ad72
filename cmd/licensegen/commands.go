package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"licensekit/internal/config"
	licenseErrors "licensekit/internal/errors"
	"licensekit/internal/license"
	"licensekit/internal/roster"
	"licensekit/internal/security"
)

func newKeysCmd(a *app) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Create the issuer key pair unless one exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir = a.keysDir(dir)
			created, err := a.manager.EnsureKeyResources(cmd.Context(), dir)
			if err != nil {
				return err
			}
			key, err := a.manager.LoadIssuerKey(dir)
			if err != nil {
				return err
			}

			state := "existing"
			if created {
				state = "created"
			}
			fmt.Fprintf(a.out, "%s %s key pair in %s (kid %s)\n", state, key.Algorithm(), dir, key.KeyID())
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "key directory (default keys.dir from configuration)")
	return cmd
}

func newIssueCmd(a *app) *cobra.Command {
	var dir, product, user, start, end string

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a license file for one user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if product == "" {
				product = a.cfg.License.ProductName
			}
			terms, err := a.buildTerms(product, user, start, end)
			if err != nil {
				return err
			}

			dir = a.keysDir(dir)
			if _, err := a.manager.EnsureKeyResources(cmd.Context(), dir); err != nil {
				return err
			}
			path, err := a.manager.IssueUserLicense(cmd.Context(), dir, terms)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "key and output directory (default keys.dir from configuration)")
	cmd.Flags().StringVar(&product, "product", "", "product name (default license.product_name from configuration)")
	cmd.Flags().StringVar(&user, "user", "", "licensee name")
	cmd.Flags().StringVar(&start, "start", "", "first valid day, "+roster.DateLayout+" (default today)")
	cmd.Flags().StringVar(&end, "end", "", "last valid day, "+roster.DateLayout+" (default start plus issuer.default_validity)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// buildTerms resolves the issue flags. Dates are midnight UTC, like roster dates.
func (a *app) buildTerms(product, user, start, end string) (license.Terms, error) {
	terms := license.Terms{ProductName: product, UserName: user}

	if start == "" {
		y, m, d := a.now().UTC().Date()
		terms.StartDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	} else {
		t, err := time.Parse(roster.DateLayout, start)
		if err != nil {
			return license.Terms{}, fmt.Errorf("%w: --start: %v", licenseErrors.ErrInvalidTerms, err)
		}
		terms.StartDate = t
	}

	if end == "" {
		terms.EndDate = terms.StartDate.Add(a.cfg.Issuer.DefaultValidity)
	} else {
		t, err := time.Parse(roster.DateLayout, end)
		if err != nil {
			return license.Terms{}, fmt.Errorf("%w: --end: %v", licenseErrors.ErrInvalidTerms, err)
		}
		terms.EndDate = t
	}
	return terms, nil
}

func newPackCmd(a *app) *cobra.Command {
	var dir, rosterFile string

	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Issue license files for every entry of an .xlsx roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pack, err := roster.Load(rosterFile)
			if err != nil {
				return err
			}
			paths, err := a.manager.IssueLicensePack(cmd.Context(), a.keysDir(dir), pack)
			if err != nil {
				return err
			}
			for _, path := range paths {
				fmt.Fprintln(a.out, path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "key and output directory (default keys.dir from configuration)")
	cmd.Flags().StringVar(&rosterFile, "roster", "", "roster workbook with Product, User, Start and End columns")
	_ = cmd.MarkFlagRequired("roster")
	return cmd
}

func newPubkeyCmd(a *app) *cobra.Command {
	var privateFile, outFile string

	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the public key derived from a private key file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if privateFile == "" {
				privateFile = filepath.Join(a.cfg.Keys.Dir, config.PrivateKeyFile)
			}
			text, err := os.ReadFile(privateFile)
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			pub, err := security.DerivePublicKey(text)
			if err != nil {
				return fmt.Errorf("%s: %w", privateFile, err)
			}

			if outFile != "" {
				return os.WriteFile(outFile, pub, 0644)
			}
			_, err = a.out.Write(pub)
			return err
		},
	}
	cmd.Flags().StringVar(&privateFile, "private", "", "private key file (default privateKey.jwk in keys.dir)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the public key to this file instead of stdout")
	return cmd
}
