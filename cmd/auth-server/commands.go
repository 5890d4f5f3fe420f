package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/icssc/auth/internal/logger"
	core "github.com/icssc/auth/internal/oauth"
	"github.com/icssc/auth/internal/storage"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the ID token signing key",
	}

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create the signing key if none exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, closeKV, err := keyManager(cmd)
			if err != nil {
				return err
			}
			defer closeKV()
			kp, err := keys.EnsureKeyPair(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(kp.KID)
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Replace the signing key; the old public key stays published for OAUTH_KEY_RETENTION",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, closeKV, err := keyManager(cmd)
			if err != nil {
				return err
			}
			defer closeKV()
			kp, err := keys.Rotate(cmd.Context())
			if err != nil {
				return err
			}
			logger.L().Info("signing key rotated", logger.KeyID(kp.KID))
			fmt.Println(kp.KID)
			return nil
		},
	}

	jwks := &cobra.Command{
		Use:   "jwks",
		Short: "Print the published JWKS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, closeKV, err := keyManager(cmd)
			if err != nil {
				return err
			}
			defer closeKV()
			set, err := keys.JWKS(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(set)
		},
	}

	cmd.AddCommand(ensure, rotate, jwks)
	return cmd
}

func keyManager(cmd *cobra.Command) (*core.KeyManager, func(), error) {
	cfg, err := core.LoadConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	kv, closeKV, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return core.NewKeyManager(kv, cfg.KeyRetention), closeKV, nil
}

func clientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Inspect the client registry",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := storage.NewClientSourceFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer src.Close()
			reg, err := storage.LoadRegistry(cmd.Context(), src)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLIENT_ID\tAUTH\tREDIRECT_URI\tPATTERNS")
			for _, c := range reg.Clients() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.ClientID, c.AuthMethod, c.RedirectURI, len(c.AllowedDomainPatterns))
			}
			return tw.Flush()
		},
	}

	var checkClient string
	check := &cobra.Command{
		Use:   "check <url>",
		Short: "Report whether a URL is an allowed redirect target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := storage.NewClientSourceFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer src.Close()
			reg, err := storage.LoadRegistry(cmd.Context(), src)
			if err != nil {
				return err
			}

			target := args[0]
			if checkClient != "" {
				if _, ok := reg.Validate(checkClient, target); !ok {
					return fmt.Errorf("%s is not allowed for client %s", target, checkClient)
				}
				fmt.Printf("allowed for %s\n", checkClient)
				return nil
			}
			origin, ok := reg.AllowedOrigin(target)
			if !ok {
				return fmt.Errorf("%s is not an allowed redirect", target)
			}
			fmt.Printf("allowed (origin %s)\n", origin)
			return nil
		},
	}
	check.Flags().StringVar(&checkClient, "client", "", "check against a single client_id")

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the built-in clients into the database at OAUTH_DATABASE_URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn := os.Getenv("OAUTH_DATABASE_URL")
			if dsn == "" {
				return errors.New("OAUTH_DATABASE_URL is required")
			}
			db, err := storage.NewPostgresClientSource(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			for _, c := range storage.BuiltinClients() {
				if err := db.UpsertClient(cmd.Context(), c); err != nil {
					return fmt.Errorf("upsert %s: %w", c.ClientID, err)
				}
				fmt.Println("seeded", c.ClientID)
			}
			return nil
		},
	}

	cmd.AddCommand(list, check, seed)
	return cmd
}
