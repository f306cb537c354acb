package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/risunCode/downaria/internal/core/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage downaria configuration",
	Long:  "View and modify downaria settings, including per-platform cookies",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.LoadOrDefault()
		bold := color.New(color.Bold)
		path, _ := config.ConfigPath()

		bold.Println("Current configuration:")
		fmt.Printf("  OutputDir:  %s\n", cfg.OutputDir)
		fmt.Printf("  Quality:    %s\n", cfg.Quality)
		fmt.Printf("  HD:         %v\n", cfg.HD)
		fmt.Printf("  AllowGaps:  %v\n", cfg.AllowGaps)
		fmt.Printf("  Config:     %s\n", path)

		if len(cfg.Cookies) > 0 {
			bold.Println("\nCookies:")
			for platform := range cfg.Cookies {
				fmt.Printf("  %s: %s\n", platform, color.GreenString("set"))
			}
		}
		if cfg.Twitter.AuthToken != "" {
			bold.Println("\nTwitter:")
			fmt.Printf("  auth_token: %s\n", color.GreenString("set"))
		}
		if cfg.Server.Port > 0 || cfg.Server.APIKey != "" {
			bold.Println("\nServer:")
			fmt.Printf("  port:           %d\n", cfg.Server.Port)
			fmt.Printf("  max_concurrent: %d\n", cfg.Server.MaxConcurrent)
			if cfg.Server.APIKey != "" {
				fmt.Printf("  api_key:        %s\n", color.GreenString("set"))
			}
		}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file path",
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := config.ConfigPath()
		fmt.Println(path)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in config.yml.

Supported keys:
  output_dir             Default download directory
  quality                Default quality (1080p, 720p, best)
  hd                     Request HD variants where supported (true/false)
  allow_gaps             Keep HLS downloads that lost segments (true/false)
  cookie.<platform>      Cookie header for a platform (instagram, facebook, ...)
  twitter.auth_token     Twitter auth token for protected content
  server.port            Server listen port
  server.max_concurrent  Max concurrent downloads
  server.api_key         Server API key

Examples:
  downaria config set output_dir ~/Videos
  downaria config set quality 1080p
  downaria config set cookie.instagram "sessionid=..."
  downaria config set twitter.auth_token YOUR_TOKEN`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		cfg := config.LoadOrDefault()

		switch {
		case key == "output_dir":
			cfg.OutputDir = value
		case key == "quality":
			cfg.Quality = value
		case key == "hd":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("hd must be true or false")
			}
			cfg.HD = b
		case key == "allow_gaps":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("allow_gaps must be true or false")
			}
			cfg.AllowGaps = b
		case strings.HasPrefix(key, "cookie."):
			cfg.SetCookie(strings.TrimPrefix(key, "cookie."), value)
		case key == "twitter.auth_token":
			cfg.Twitter.AuthToken = value
		case key == "server.port":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("server.port must be a number")
			}
			cfg.Server.Port = n
		case key == "server.max_concurrent":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("server.max_concurrent must be a number")
			}
			cfg.Server.MaxConcurrent = n
		case key == "server.api_key":
			cfg.Server.APIKey = value
		default:
			return fmt.Errorf("unknown config key: %s", key)
		}

		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("Set %s\n", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}
