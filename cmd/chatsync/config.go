package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(initCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init <user-id>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set connection.max_retries 8",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, path, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		f := cfg.File()
		if err := setConfigValue(&f, key, value); err != nil {
			return err
		}
		updated := f.Config()
		if err := updated.Validate(); err != nil {
			return err
		}
		if err := chatsync.SaveConfig(path, updated); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var initBaseURL string

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store user id and server in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your user id, token and server URL.\nThe reference server accepts the user id as token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.UserID = args[0]
		if cfg.Token == "" {
			cfg.Token = args[0]
		}
		if initBaseURL != "" {
			cfg.BaseURL = initBaseURL
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:8080"
		}

		if err := chatsync.SaveConfig(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("User %s saved to %s\n", cfg.UserID, path)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "chat server URL (default http://localhost:8080)")
}
