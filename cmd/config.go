package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/kidguard/kidguard/internal/config"
)

const redacted = "***"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and manage kidguard configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		redactSecrets(cfg)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

// redactSecrets blanks every credential in cfg.
func redactSecrets(cfg *config.Config) {
	for _, s := range []*string{
		&cfg.Database.DSN,
		&cfg.Auth.JWTSecret,
		&cfg.Scoring.APIKey,
		&cfg.Redis.Password,
		&cfg.MQTT.Password,
		&cfg.AMQP.URL,
		&cfg.Notify.FCM.CredentialsJSON,
		&cfg.Notify.Telegram.BotToken,
		&cfg.Notify.Email.Password,
		&cfg.Notify.Webhook.Secret,
		&cfg.Telemetry.SentryDSN,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	for i := range cfg.Notify.Shoutrrr.URLs {
		cfg.Notify.Shoutrrr.URLs[i] = redacted
	}
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the path to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the config path",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%s already exists", p)
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := config.Save(cfg, p); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("Wrote " + p))
		fmt.Println(dimStyle.Render("Set auth.jwt_secret before running 'kidguard serve'."))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "nano"
		}
		fmt.Printf("Opening %s with %s...\n", p, editor)
		c := exec.Command(editor, p) // #nosec G204 -- editor is from $EDITOR env var, intentional user-controlled binary
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd, configInitCmd, configEditCmd)
}
