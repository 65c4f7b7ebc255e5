// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/autobrr/premia/internal/auth"
	"github.com/autobrr/premia/internal/config"
	"github.com/autobrr/premia/internal/database"
	"github.com/autobrr/premia/internal/models"
)

var Version = "dev"

func main() {
	var rootCmd = &cobra.Command{
		Use:   "premia",
		Short: "License and update server for premium WordPress plugins",
		Long: `premia - issues license keys, tracks the sites they are activated on
and serves plugin updates packaged from private GitHub releases.`,
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.Version = Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunCreateUserCommand())
	rootCmd.AddCommand(RunChangePasswordCommand())
	rootCmd.AddCommand(RunLicenseCommand())
	rootCmd.AddCommand(RunProductCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/premia/ or %APPDATA%\\premia\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and release archives (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stderr)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "expose pprof under /debug for authenticated users")

	command.RunE = func(cmd *cobra.Command, args []string) error {
		app := NewApplication(Version, configDir, dataDir, logPath, pprofFlag)
		return app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of premia",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

// resolveConfigPath accepts a directory or a direct .toml path.
func resolveConfigPath(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/premia/config.toml
- Windows: %APPDATA%\premia\config.toml

You can specify either a directory path or a direct file path:
- Directory: premia generate-config --config-dir /path/to/config/
- File: premia generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigPath(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		cmd.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		cmd.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	var password string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &password); err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return password, nil
}

// openDatabase loads the config and opens the database it points to.
func openDatabase(configDir, dataDir string) (*config.AppConfig, *database.DB, error) {
	cfg, err := config.New(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return cfg, db, nil
}

func RunCreateUserCommand() *cobra.Command {
	var configDir, dataDir, username, password string

	command := &cobra.Command{
		Use:   "create-user",
		Short: "Create the administrator account",
		Long: `Create the administrator account without starting the server.

Only one account can exist. If no --config-dir is specified, uses the
OS-specific default location.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, db, err := openDatabase(configDir, dataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			authService := auth.NewService(db.Conn(), cfg.Config.SessionSecret)

			exists, err := authService.IsSetupComplete(ctx)
			if err != nil {
				return fmt.Errorf("failed to check setup status: %w", err)
			}
			if exists {
				cmd.Println("User account already exists. Only one user account is allowed.")
				return nil
			}

			if username == "" {
				cmd.Print("Enter username: ")
				if _, err := fmt.Fscanln(cmd.InOrStdin(), &username); err != nil {
					return fmt.Errorf("failed to read username: %w", err)
				}
			}

			username = strings.TrimSpace(username)
			if username == "" {
				return errors.New("username cannot be empty")
			}

			if password == "" {
				if password, err = readPassword(cmd, "Enter password: "); err != nil {
					return err
				}
			}

			user, err := authService.SetupUser(ctx, username, password)
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}

			cmd.Printf("User '%s' created successfully with ID: %d\n", user.Username, user.ID)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&username, "username", "",
		"username for the new account")
	command.Flags().StringVar(&password, "password", "",
		"password for the new account (will prompt if not provided)")

	return command
}

func RunChangePasswordCommand() *cobra.Command {
	var configDir, dataDir, username, newPassword string

	command := &cobra.Command{
		Use:   "change-password",
		Short: "Change the administrator password",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := config.New(configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}

			dbPath := cfg.GetDatabasePath()
			if _, err := os.Stat(dbPath); os.IsNotExist(err) {
				return fmt.Errorf("database not found at %s. Create a user first with 'create-user' command", dbPath)
			}

			db, err := database.New(dbPath)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			if username == "" {
				cmd.Print("Enter username: ")
				if _, err := fmt.Fscanln(cmd.InOrStdin(), &username); err != nil {
					return fmt.Errorf("failed to read username: %w", err)
				}
			}

			user, err := models.NewUserStore(db.Conn()).GetByUsername(ctx, username)
			if err != nil {
				if errors.Is(err, models.ErrUserNotFound) {
					return fmt.Errorf("username '%s' not found", username)
				}
				return fmt.Errorf("failed to verify username: %w", err)
			}

			if newPassword == "" {
				if newPassword, err = readPassword(cmd, "Enter new password: "); err != nil {
					return err
				}
			}

			authService := auth.NewService(db.Conn(), cfg.Config.SessionSecret)
			if err := authService.SetPassword(ctx, newPassword); err != nil {
				return fmt.Errorf("failed to update password: %w", err)
			}

			cmd.Printf("Password changed successfully for user '%s'\n", user.Username)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")
	command.Flags().StringVar(&username, "username", "",
		"username to verify identity")
	command.Flags().StringVar(&newPassword, "new-password", "",
		"new password (will prompt if not provided)")

	return command
}
