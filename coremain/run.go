package coremain

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type driverFlags struct {
	c       string
	verbose int
	rule    string
}

var rootCmd = &cobra.Command{
	Use: "resolvex",
}

func init() {
	df := new(driverFlags)
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&df.c, "config", "c", "", "config file")
	pf.CountVarP(&df.verbose, "verbose", "v", "raise log verbosity")

	resolveCmd := &cobra.Command{
		Use:   "resolve [address...]",
		Short: "Resolve addresses to (transport, nexthop, recipient) plus flags.",
		Long: "Resolve each address argument through the resolve service and print\n" +
			"the delivery triple with decoded flags. Without arguments, addresses\n" +
			"are read line by line from standard input.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(df, args)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(resolveCmd)

	rewriteCmd := &cobra.Command{
		Use:   "rewrite [-r rule] [address...]",
		Short: "Rewrite addresses to internal form.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRewrite(df, args)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rewriteCmd.Flags().StringVarP(&df.rule, "rule", "r", "local", "rewriting context (local or remote)")
	rootCmd.AddCommand(rewriteCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration.",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as yaml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(df.c)
			if err != nil {
				return err
			}
			cfg.fillDefaults()
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
		SilenceUsage: true,
	})
	rootCmd.AddCommand(configCmd)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// loadConfig loads a config from a file. If filePath is empty, it searches
// the working directory for a file named "config" and falls back to the
// built-in defaults when none exists.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) == 0 && errors.As(err, &notFound) {
			return new(Config), "", nil
		}
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}
