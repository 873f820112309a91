// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"crewhub/internal/connection"
	"crewhub/internal/gateway"
	"crewhub/internal/identity"
)

var gatewayConnID string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Interact with a configured agent gateway",
	Long: `Commands that open one configured gateway connection, perform a
device-authenticated handshake, and run a single operation against it.`,
}

var gatewayStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(func(ctx context.Context, conn *connection.GatewayConnection) error {
			payload, err := conn.Client().Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"connection": conn.Status(),
				"gateway":    json.RawMessage(payload),
			})
		})
	},
}

var gatewaySessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(func(ctx context.Context, conn *connection.GatewayConnection) error {
			sessions, err := conn.Sessions(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"sessions": sessions})
		})
	},
}

var gatewaySendCmd = &cobra.Command{
	Use:   "send <session-key> <message>",
	Short: "Send a chat message to a session and print the reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(func(ctx context.Context, conn *connection.GatewayConnection) error {
			reply, err := conn.SendMessage(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			cmd.Println(reply)
			return nil
		})
	},
}

var gatewayCronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage gateway cron jobs",
}

var gatewayCronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cron jobs, including disabled ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(func(ctx context.Context, conn *connection.GatewayConnection) error {
			jobs, err := conn.Client().ListCronJobs(ctx, true)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"jobs": jobs})
		})
	},
}

var gatewayCronRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Trigger a cron job immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withGateway(func(ctx context.Context, conn *connection.GatewayConnection) error {
			if err := conn.Client().RunCronJob(ctx, args[0], force); err != nil {
				return err
			}
			cmd.Println("Job triggered.")
			return nil
		})
	},
}

func init() {
	gatewayCmd.PersistentFlags().StringVar(&gatewayConnID, "connection", "default", "Configured connection id to use")

	gatewayCronCmd.AddCommand(gatewayCronListCmd)
	gatewayCronRunCmd.Flags().Bool("force", false, "Run even if the job is disabled")
	gatewayCronCmd.AddCommand(gatewayCronRunCmd)

	gatewayCmd.AddCommand(gatewayStatusCmd)
	gatewayCmd.AddCommand(gatewaySessionsCmd)
	gatewayCmd.AddCommand(gatewaySendCmd)
	gatewayCmd.AddCommand(gatewayCronCmd)

	rootCmd.AddCommand(gatewayCmd)
}

// withGateway loads configuration, connects the selected gateway, runs fn
// and tears the connection down again
func withGateway(fn func(ctx context.Context, conn *connection.GatewayConnection) error) error {
	fileConfig, entry, err := loadConnectionEntry()
	if err != nil {
		return err
	}

	store, err := identity.NewStore(fileConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	conn := connection.NewGatewayConnection(entry.ID, entry.Name, entry.Gateway, store)
	defer conn.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}

	return fn(ctx, conn)
}

func loadConnectionEntry() (*gateway.FileConfig, *gateway.ConnectionEntry, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(configPath), 0700); mkErr != nil {
			return nil, nil, fmt.Errorf("failed to create config directory: %w", mkErr)
		}
		if genErr := gateway.GenerateDefaultFileConfig(configPath); genErr != nil {
			return nil, nil, genErr
		}
		log.Info().Str("path", configPath).Msg("Created default configuration, edit it with your gateway settings")
	}

	fileConfig, err := gateway.LoadFileConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	for i := range fileConfig.Connections {
		if fileConfig.Connections[i].ID == gatewayConnID {
			return fileConfig, &fileConfig.Connections[i], nil
		}
	}
	return nil, nil, fmt.Errorf("no connection %q in %s", gatewayConnID, configPath)
}

func printJSON(cmd *cobra.Command, body any) error {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
