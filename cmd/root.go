package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/gleaner/internal/config"
	"github.com/tanq16/gleaner/internal/utils"
)

var (
	configPath    string
	outputDir     string
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	renderer      string
	debug         bool
)

// settings is resolved once per invocation in PersistentPreRunE.
var settings *config.Settings

var GleanerVersion = "dev"

var rootCmd = &cobra.Command{
	Use:   "gleaner",
	Short: "Gleaner discovers resources on listing and profile pages and downloads them",
	Long: `Gleaner renders a listing or profile page, extracts the resources on it and
downloads their previews and full assets into an output directory.

Run it as a service with "gleaner serve" and drive it over the JSON API, or
use "gleaner scrape" for a one-shot run from the terminal.`,
	Version:       GleanerVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		s, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, s); err != nil {
			return err
		}
		settings = s
		return nil
	},
}

// applyFlags overrides settings with the flags the user set explicitly.
func applyFlags(cmd *cobra.Command, s *config.Settings) error {
	flags := cmd.Flags()
	if flags.Changed("output-dir") {
		s.OutputDir = outputDir
	}
	if flags.Changed("timeout") {
		s.HTTP.Timeout = timeout
	}
	if flags.Changed("keep-alive-timeout") {
		s.HTTP.KATimeout = kaTimeout
	}
	if flags.Changed("user-agent") {
		s.HTTP.UserAgent = userAgent
	}
	if s.HTTP.UserAgent == "randomize" {
		s.HTTP.UserAgent = utils.GetRandomUserAgent()
	}
	if flags.Changed("proxy") {
		s.HTTP.ProxyURL = proxyURL
	}
	if flags.Changed("proxy-username") {
		s.HTTP.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		s.HTTP.ProxyPassword = proxyPassword
	}
	// credentials embedded in the proxy URL move to their own fields
	parsedProxy, err := u.Parse(s.HTTP.ProxyURL)
	if err == nil && parsedProxy.User != nil && s.HTTP.ProxyUsername == "" {
		s.HTTP.ProxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			s.HTTP.ProxyPassword = password
		}
		parsedProxy.User = nil
		s.HTTP.ProxyURL = parsedProxy.String()
	}
	if len(headers) > 0 {
		if s.HTTP.Headers == nil {
			s.HTTP.Headers = map[string]string{}
		}
		for k, v := range utils.ParseHeaderArgs(headers) {
			s.HTTP.Headers[k] = v
		}
	}
	if flags.Changed("renderer") {
		s.Renderer = renderer
	}
	return s.Validate()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gleaner.yaml", "Path to YAML config file (optional)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", utils.DefaultOutputDir, "Directory downloaded files are written to")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks one)")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.PersistentFlags().StringVar(&renderer, "renderer", "browser", "Page renderer: browser (headless Chrome) or http")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newScrapeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newCleanCmd())
}
