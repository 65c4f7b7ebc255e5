// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autobrr/premia/internal/database"
	"github.com/autobrr/premia/internal/domain"
	"github.com/autobrr/premia/internal/hooks"
	"github.com/autobrr/premia/internal/models"
	"github.com/autobrr/premia/internal/services"
)

// storeEnv is the offline view of the database the admin commands work on.
type storeEnv struct {
	db       *database.DB
	products *models.ProductStore
	licenses *services.LicenseService
}

func (e *storeEnv) Close() error {
	return e.db.Close()
}

type storeFlags struct {
	configDir string
	dataDir   string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	cmd.PersistentFlags().StringVar(&f.dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
}

func (f *storeFlags) open() (*storeEnv, error) {
	cfg, db, err := openDatabase(f.configDir, f.dataDir)
	if err != nil {
		return nil, err
	}

	products, err := models.NewProductStore(db.Conn(), cfg.GetEncryptionKey())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize product store: %w", err)
	}

	licenses := services.NewLicenseService(models.NewLicenseStore(db.Conn()), products, hooks.NewRegistry(),
		services.WithDenyUnlinked(cfg.Config.DenyUnlinkedLicenses))

	return &storeEnv{db: db, products: products, licenses: licenses}, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// resolveProductRef accepts a numeric id or a slug and suggests close slugs
// when nothing matches.
func resolveProductRef(ctx context.Context, products *models.ProductStore, ref string) (*models.Product, error) {
	p, err := products.Resolve(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, models.ErrProductNotFound) {
		return nil, err
	}

	suggestions, serr := products.Suggest(ctx, ref, 3)
	if serr == nil && len(suggestions) > 0 {
		return nil, fmt.Errorf("product %q not found, did you mean: %s", ref, strings.Join(suggestions, ", "))
	}
	return nil, fmt.Errorf("product %q not found", ref)
}

func parseLicenseID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid license id %q", arg)
	}
	return id, nil
}

func printLicense(cmd *cobra.Command, l *models.License) {
	product := "-"
	if l.ProductID != nil {
		product = strconv.Itoa(*l.ProductID)
	}
	expires := "never"
	if l.ExpiresAt != nil {
		expires = l.ExpiresAt.Format("2006-01-02")
	}
	cmd.Printf("%d\t%s\t%s\tproduct=%s\towner=%s\texpires=%s\tsites=%d\n",
		l.ID, l.Key, l.Status, product, l.OwnerID, expires, len(l.Installations))
}

func RunLicenseCommand() *cobra.Command {
	var flags storeFlags

	command := &cobra.Command{
		Use:   "license",
		Short: "Manage license keys",
	}
	flags.register(command)

	var owner string
	create := &cobra.Command{
		Use:   "create <product>",
		Short: "Issue a license for a product id or slug",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			env, err := flags.open()
			if err != nil {
				return err
			}
			defer env.Close()

			product, err := resolveProductRef(ctx, env.products, args[0])
			if err != nil {
				return err
			}

			id, err := env.licenses.CreateLicense(ctx, product.ID, owner)
			if err != nil {
				return fmt.Errorf("failed to create license: %s", domain.MessageOf(err))
			}

			l, err := env.licenses.GetLicenseByID(ctx, id)
			if err != nil {
				return err
			}
			printLicense(cmd, l)
			return nil
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "owner id recorded on the license")

	var filter models.LicenseFilter
	var productRef string
	list := &cobra.Command{
		Use:   "list",
		Short: "List licenses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			env, err := flags.open()
			if err != nil {
				return err
			}
			defer env.Close()

			if productRef != "" {
				product, err := resolveProductRef(ctx, env.products, productRef)
				if err != nil {
					return err
				}
				filter.ProductID = product.ID
			}

			licenses, err := env.licenses.ListLicenses(ctx, filter)
			if err != nil {
				return err
			}
			if len(licenses) == 0 {
				cmd.Println("No licenses found.")
				return nil
			}
			for _, l := range licenses {
				printLicense(cmd, l)
			}
			return nil
		},
	}
	list.Flags().StringVar(&productRef, "product", "", "filter by product id or slug")
	list.Flags().StringVar(&filter.OwnerID, "owner", "", "filter by owner id")
	list.Flags().StringVar(&filter.Status, "status", "", "filter by status (published, trash)")

	statusCommand := func(use, short, done string, fn func(*services.LicenseService, context.Context, int) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseLicenseID(args[0])
				if err != nil {
					return err
				}
				env, err := flags.open()
				if err != nil {
					return err
				}
				defer env.Close()

				if err := fn(env.licenses, commandContext(cmd), id); err != nil {
					return fmt.Errorf("%s: %s", use, domain.MessageOf(err))
				}
				cmd.Printf("License %d %s\n", id, done)
				return nil
			},
		}
	}

	siteCommand := func(use, short string, activate bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <license-key> <origin>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				env, err := flags.open()
				if err != nil {
					return err
				}
				defer env.Close()

				req := domain.LicenseRequest{Key: args[0], Origin: args[1], Admin: true}
				op := env.licenses.Deactivate
				if activate {
					op = env.licenses.Activate
				}

				changed, err := op(commandContext(cmd), req)
				if err != nil {
					return fmt.Errorf("%s: %s", use, domain.MessageOf(err))
				}
				if !changed {
					cmd.Println("Nothing to do.")
					return nil
				}
				cmd.Printf("Site %s %sd\n", args[1], use)
				return nil
			},
		}
	}

	command.AddCommand(create, list,
		statusCommand("trash", "Move a license to the trash", "trashed", (*services.LicenseService).Trash),
		statusCommand("restore", "Restore a trashed license", "restored", (*services.LicenseService).Restore),
		siteCommand("activate", "Authorize a site on a license", true),
		siteCommand("deactivate", "Remove a site from a license", false),
	)

	return command
}

func RunProductCommand() *cobra.Command {
	var flags storeFlags

	command := &cobra.Command{
		Use:   "product",
		Short: "Manage products",
	}
	flags.register(command)

	var p models.Product
	add := &cobra.Command{
		Use:   "add <slug> <name>",
		Short: "Register a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.open()
			if err != nil {
				return err
			}
			defer env.Close()

			p.Slug = args[0]
			p.Name = args[1]
			created, err := env.products.Create(commandContext(cmd), &p)
			if err != nil {
				return fmt.Errorf("failed to create product: %w", err)
			}
			cmd.Printf("Product '%s' created with ID: %d\n", created.Slug, created.ID)
			return nil
		},
	}
	add.Flags().StringVar(&p.RepoURL, "repo", "", "GitHub repository (owner/name or API URL)")
	add.Flags().StringVar(&p.RepoToken, "token", "", "GitHub token with read access to releases")
	add.Flags().IntVar(&p.ValidityDays, "validity-days", 0, "license validity in days (0 = never expires)")
	add.Flags().BoolVar(&p.LicenseEnabled, "license", true, "require a license for downloads")
	add.Flags().BoolVar(&p.DoNotValidate, "do-not-validate", false, "skip license validation for downloads")
	add.Flags().StringVar(&p.PolarBenefitID, "polar-benefit", "", "Polar benefit id granting this product")

	list := &cobra.Command{
		Use:   "list",
		Short: "List products",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.open()
			if err != nil {
				return err
			}
			defer env.Close()

			products, err := env.products.List(commandContext(cmd))
			if err != nil {
				return err
			}
			if len(products) == 0 {
				cmd.Println("No products found.")
				return nil
			}
			for _, p := range products {
				version := p.LatestReleaseVersion
				if version == "" {
					version = "-"
				}
				cmd.Printf("%d\t%s\t%s\trepo=%t\tlatest=%s\n", p.ID, p.Slug, p.Name, p.IsRepoConfigured(), version)
			}
			return nil
		},
	}

	var limit int
	find := &cobra.Command{
		Use:   "find <query>",
		Short: "Find product slugs similar to query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := flags.open()
			if err != nil {
				return err
			}
			defer env.Close()

			slugs, err := env.products.Suggest(commandContext(cmd), args[0], limit)
			if err != nil {
				return err
			}
			if len(slugs) == 0 {
				cmd.Println("No matching products.")
				return nil
			}
			for _, s := range slugs {
				cmd.Println(s)
			}
			return nil
		},
	}
	find.Flags().IntVar(&limit, "limit", 5, "maximum number of results")

	command.AddCommand(add, list, find)
	return command
}
