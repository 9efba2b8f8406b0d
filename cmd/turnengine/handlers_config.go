package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/turnengine/internal/config"
)

// runConfigSchema prints the JSON Schema of the configuration file.
func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := out.Write(data); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

// runConfigValidate loads the file and reports every problem.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return fmt.Errorf("no config file given (use --config or %s)", configEnv)
	}
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
	return nil
}

const masked = "********"

// runConfigShow prints the effective configuration as YAML with secrets
// masked.
func runConfigShow(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadOrDefault(resolveConfigPath(configPath))
	if err != nil {
		return err
	}
	if cfg.Provider.APIKey != "" {
		cfg.Provider.APIKey = masked
	}
	if cfg.Provider.SecretAccessKey != "" {
		cfg.Provider.SecretAccessKey = masked
	}
	if cfg.Provider.SessionToken != "" {
		cfg.Provider.SessionToken = masked
	}
	if cfg.Store.Postgres.Password != "" {
		cfg.Store.Postgres.Password = masked
	}
	cfg.Store.DSN = maskDSN(cfg.Store.DSN)
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// maskDSN hides the password of a URL-style DSN.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); !ok {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), masked)
	return u.String()
}
