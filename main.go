package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/cockpit-ws/cockpitwsd/cmd"
	"github.com/cockpit-ws/cockpitwsd/pkg/config"
)

func main() {
	app := &cli.Command{
		Name:  "cockpitwsd",
		Usage: "Browser-facing WebSocket gateway for the cockpit-bridge protocol",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: config.GetDefaultConfigPath(),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a starter configuration file",
				Action: func(ctx context.Context, c *cli.Command) error {
					return initConfig(c.String("config"))
				},
			},
			cmd.ServeCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func initConfig(configPath string) error {
	cfg := config.GetDefaultConfig()
	if err := cfg.SaveTemplateConfig(configPath); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("Configuration initialized at %s\n", configPath)
	return nil
}
