package cmd

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/database"
	"github.com/kidguard/kidguard/internal/lock"
	"github.com/kidguard/kidguard/internal/notify"
	"github.com/kidguard/kidguard/internal/scoring"
)

const doctorDialTimeout = 5 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify configuration, storage and broker connectivity",
	Long: `Checks that the config loads and validates, the database can be reached
and is migrated, and that every configured collaborator (redis, MQTT, AMQP,
scoring, notification channels, Sentry) is usable.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fmt.Println(headerStyle.Render("kidguard doctor"))

	fmt.Print(labelStyle.Render("Config"))
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println(errStyle.Render("FAIL") + " " + err.Error())
		return err
	}
	path, _ := config.ConfigPath(cfgFile)
	fmt.Println(successStyle.Render("OK") + dimStyle.Render(" "+path))

	allOK := true
	check := func(name string, fn func() (string, error)) {
		fmt.Print(labelStyle.Render(name))
		detail, err := fn()
		switch {
		case err != nil:
			allOK = false
			fmt.Println(errStyle.Render("FAIL") + " " + err.Error())
		case detail == "":
			fmt.Println(dimStyle.Render("not configured"))
		default:
			fmt.Println(successStyle.Render("OK") + " " + detail)
		}
	}

	check("Database", func() (string, error) {
		db, err := database.New(cfg.Database, zap.NewNop())
		if err != nil {
			return "", err
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return "", err
		}
		return db.Driver(), nil
	})

	check("Auth", func() (string, error) {
		if cfg.Auth.JWTSecret == "" {
			return "", fmt.Errorf("auth.jwt_secret is empty; serve will refuse to start")
		}
		if len(cfg.Auth.JWTSecret) < 16 {
			return "", fmt.Errorf("auth.jwt_secret must be at least 16 characters")
		}
		return "issuer " + cfg.Auth.Issuer, nil
	})

	check("Scoring", func() (string, error) {
		s, err := scoring.New(cfg.Scoring, zap.NewNop())
		if err != nil {
			return "", err
		}
		if s.Name() == "none" {
			return "none (queue drain disabled)", nil
		}
		return s.Name(), nil
	})

	check("Redis locks", func() (string, error) {
		if cfg.Redis.Addr == "" {
			return "", nil
		}
		dctx, cancel := context.WithTimeout(ctx, doctorDialTimeout)
		defer cancel()
		client, err := lock.Dial(dctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return "", err
		}
		_ = client.Close()
		return cfg.Redis.Addr, nil
	})

	check("MQTT heartbeats", func() (string, error) {
		if cfg.MQTT.Broker == "" {
			return "", nil
		}
		return cfg.MQTT.Broker, dialBroker(cfg.MQTT.Broker, "1883")
	})

	check("AMQP content", func() (string, error) {
		if cfg.AMQP.URL == "" {
			return "", nil
		}
		conn, err := amqp.DialConfig(cfg.AMQP.URL, amqp.Config{Dial: amqp.DefaultDial(doctorDialTimeout)})
		if err != nil {
			return "", err
		}
		_ = conn.Close()
		return "queue " + cfg.AMQP.Queue, nil
	})

	check("Notifications", func() (string, error) {
		d, err := notify.NewDispatcher(ctx, cfg.Notify, nil, nil, zap.NewNop())
		if err != nil {
			return "", err
		}
		if !d.IsAnyConfigured() {
			return "", nil
		}
		return fmt.Sprint(d.Channels()), nil
	})

	check("Sentry", func() (string, error) {
		if cfg.Telemetry.SentryDSN == "" {
			return "", nil
		}
		u, err := url.Parse(cfg.Telemetry.SentryDSN)
		if err != nil {
			return "", fmt.Errorf("invalid DSN: %w", err)
		}
		return u.Host, nil
	})

	fmt.Println()
	if allOK {
		fmt.Println(successStyle.Render("All checks passed."))
		return nil
	}
	fmt.Println(warnStyle.Render("Some checks failed."))
	return fmt.Errorf("doctor found problems")
}

// dialBroker opens and closes a TCP connection to a tcp://host:port URL.
func dialBroker(raw, defaultPort string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	conn, err := net.DialTimeout("tcp", host, doctorDialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
