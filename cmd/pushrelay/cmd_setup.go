package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/pushrelay/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("pushrelay setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Redis.Addr = prompt(scanner, "Redis address", cfg.Redis.Addr)
		cfg.Redis.Password = prompt(scanner, "Redis password (optional)", cfg.Redis.Password)
		cfg.Gate.Secret = prompt(scanner, "Gate shared secret", cfg.Gate.Secret)

		backend := prompt(scanner, "Push backend (redis|mqtt)", cfg.Push.Backend)
		switch backend {
		case "redis", "mqtt":
			cfg.Push.Backend = backend
		default:
			return fmt.Errorf("unknown push backend %q", backend)
		}
		if cfg.Push.Backend == "mqtt" {
			cfg.Push.MQTT.Broker = prompt(scanner, "MQTT broker URL", cfg.Push.MQTT.Broker)
			cfg.Push.MQTT.Username = prompt(scanner, "MQTT username (optional)", cfg.Push.MQTT.Username)
			cfg.Push.MQTT.Password = prompt(scanner, "MQTT password (optional)", cfg.Push.MQTT.Password)
		}

		cfg.Archive.DSN = prompt(scanner, "Watch log archive DSN (optional)", cfg.Archive.DSN)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
