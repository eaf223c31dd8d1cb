package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/home-assistant/core-sub043/internal/app"
	"github.com/home-assistant/core-sub043/internal/archive"
	"github.com/home-assistant/core-sub043/internal/config"
	"github.com/home-assistant/core-sub043/internal/hub"
	"github.com/home-assistant/core-sub043/internal/session"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a HabApp. The caller must defer app.Close().
func newApp(cmd *cobra.Command) (*app.HabApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewHabApp(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// promptSecret reads a password or passphrase from the terminal without echo.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(secret), nil
}

var rootCmd = &cobra.Command{
	Use:   "hab",
	Short: "Home configuration backup tool",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [CONFIG_DIR]",
	Short: "Initialize configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		configDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
		if len(args) > 0 {
			configDir, err = filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
		}

		cfg := config.NewConfig(configDir, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Config Dir: %s\n", configDir)
		fmt.Printf("Base Dir:   %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Config Dir: %s\n", cfg.ConfigDir)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		for _, ac := range cfg.Agents {
			fmt.Printf("Agent:      %s", ac.Type)
			if ac.Name != "" {
				fmt.Printf(" (%s)", ac.Name)
			}
			fmt.Println()
		}
		return nil
	},
}

// keyfile command
var keyfileCmd = &cobra.Command{
	Use:   "keyfile",
	Short: "Manage the backup keyfile",
}

var keyfileInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a keyfile for keyfile-protected backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Keyfile().IsConfigured() {
			return fmt.Errorf("keyfile already exists")
		}

		passphrase, err := promptSecret("Keyfile passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptSecret("Repeat passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := a.Keyfile().Setup(passphrase); err != nil {
			return fmt.Errorf("generating keyfile: %w", err)
		}
		fmt.Println("Keyfile generated.")
		return nil
	},
}

// create command
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		protected, _ := cmd.Flags().GetBool("password")
		useKeyfile, _ := cmd.Flags().GetBool("keyfile")
		excludeDB, _ := cmd.Flags().GetBool("exclude-database")

		var password string
		if protected {
			var err error
			password, err = promptSecret("Backup password: ")
			if err != nil {
				return err
			}
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		backup, err := a.CreateBackup(cmd.Context(), hub.CreateOptions{
			Name:            name,
			Password:        password,
			UseKeyfile:      useKeyfile,
			ExcludeDatabase: excludeDB,
		})
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Printf("Created backup %s (%s, %d bytes)\n", backup.ID, backup.Name, backup.SizeBytes)
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		backups, err := a.ListBackups(cmd.Context())
		if err != nil {
			return err
		}

		if len(backups) == 0 {
			fmt.Println("No backups found.")
			return nil
		}

		for _, b := range backups {
			protection := "-"
			if b.Protected {
				protection = b.Protection
			}
			fmt.Printf("%s  %-25s  %-19s  %-8s  %d\n",
				b.ID, b.Name, b.Date, protection, b.SizeBytes)
		}
		return nil
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a backup from all agents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteBackup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted backup %s\n", args[0])
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore ID",
	Short: "Stage a backup for restore on next start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		manifest, err := a.ValidateBackup(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		var password string
		if manifest.Protection() == archive.ProtectionPassword {
			password, err = promptSecret("Backup password: ")
			if err != nil {
				return err
			}
		}

		if err := a.StageRestore(cmd.Context(), args[0], password); err != nil {
			return err
		}
		fmt.Printf("Backup %s staged; it will be restored on the next start.\n", args[0])
		return nil
	},
}

// restore-pending command
var restorePendingCmd = &cobra.Command{
	Use:   "restore-pending",
	Short: "Perform a staged restore, if one is armed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		restored, err := a.RestorePending(cmd.Context(), promptSecret)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		if !restored {
			fmt.Println("No restore pending.")
			return nil
		}
		fmt.Println("Restore complete.")
		return nil
	},
}

// validate command
var validateCmd = &cobra.Command{
	Use:   "validate ID",
	Short: "Check a backup archive's structure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		manifest, err := a.ValidateBackup(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Backup %s is structurally valid.\n", manifest.Slug)
		fmt.Printf("Name:       %s\n", manifest.Name)
		fmt.Printf("Date:       %s\n", manifest.Date)
		fmt.Printf("Compressed: %v\n", manifest.Compressed)
		fmt.Printf("Protected:  %v\n", manifest.Protected)
		return nil
	},
}

// session command
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage login sessions",
}

var sessionTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the refresh tokens backing sessions",
}

var sessionTokenAddCmd = &cobra.Command{
	Use:   "add TOKEN_ID",
	Short: "Register a refresh token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Tokens().Add(args[0]); err != nil {
			return err
		}
		fmt.Printf("Token %s registered.\n", args[0])
		return nil
	},
}

var sessionTokenRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN_ID",
	Short: "Revoke a refresh token and every session backed by it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Tokens().Revoke(args[0]); err != nil {
			return err
		}
		fmt.Printf("Token %s revoked.\n", args[0])
		return nil
	},
}

var sessionTokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered refresh tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		tokens := a.Tokens().List()
		if len(tokens) == 0 {
			fmt.Println("No tokens registered.")
			return nil
		}
		for _, id := range tokens {
			fmt.Println(id)
		}
		return nil
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create TOKEN_ID",
	Short: "Mint a session for a refresh token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limited, _ := cmd.Flags().GetBool("limited")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var id string
		if limited {
			id = a.Sessions().CreateUnauthorizedSession(args[0])
		} else {
			id = a.Sessions().CreateSession(args[0])
		}
		if id == "" {
			return fmt.Errorf("token %s is not registered", args[0])
		}

		cookie, err := session.SealCookie(a.Sessions().Key(), id)
		if err != nil {
			return err
		}
		fmt.Printf("Session: %s\n", id)
		fmt.Printf("Cookie:  %s\n", cookie)
		return nil
	},
}

var sessionValidateCmd = &cobra.Command{
	Use:   "validate SESSION_ID",
	Short: "Check what access a session grants",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var id string
		if len(args) > 0 {
			id = args[0]
		}
		access, effective := a.Sessions().Validate(id)
		fmt.Printf("Access: %s\n", access)
		if effective != "" && effective != id {
			fmt.Printf("Session rolled over to: %s\n", effective)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View backup operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, e := range entries {
			duration := ""
			if e.FinishedAt != nil {
				d := e.FinishedAt.Sub(e.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-8s  %-8s  %s  %-10s  %s\n",
				e.ID,
				e.Kind,
				e.BackupID,
				e.StartedAt.Format("2006-01-02 15:04:05"),
				e.Status,
				duration,
			)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	keyfileCmd.AddCommand(keyfileInitCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keyfileCmd)
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().String("name", "", "Backup name")
	createCmd.Flags().BoolP("password", "p", false, "Protect the backup with a password")
	createCmd.Flags().Bool("keyfile", false, "Protect the backup with the configured keyfile")
	createCmd.Flags().Bool("exclude-database", false, "Exclude the recorder database")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(restorePendingCmd)
	rootCmd.AddCommand(validateCmd)
	sessionTokenCmd.AddCommand(sessionTokenAddCmd)
	sessionTokenCmd.AddCommand(sessionTokenRevokeCmd)
	sessionTokenCmd.AddCommand(sessionTokenListCmd)
	sessionCmd.AddCommand(sessionTokenCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCreateCmd.Flags().Bool("limited", false, "Mint an unauthorized session for the limited endpoints")
	sessionCmd.AddCommand(sessionValidateCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
