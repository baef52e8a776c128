package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sealtalk/config"
	"sealtalk/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print data locations, stored users and the endpoints of the current user",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		dataDir := filepath.Dir(c.settingsPath)
		fmt.Printf("Settings File:   %s\n", c.settingsPath)
		fmt.Printf("Data Directory:  %s\n", dataDir)
		fmt.Printf("Database File:   %s\n", filepath.Join(dataDir, "data", storage.DefaultDBFileName))
		fmt.Printf("Downloads:       %s\n", c.settings.DownloadDir)
		fmt.Printf("Max Attachment:  %s\n", formatBytes(c.settings.MaxAttachmentSize))

		users, err := c.engine.Users()
		if err != nil {
			logrus.Fatalf("Failed to list users: %+v", err)
		}
		fmt.Printf("Stored Users:    %d\n", len(users))

		username := c.username()
		if username == "" {
			fmt.Println("Current User:    none")
			return
		}
		identity, env := config.SplitUsername(username)
		endpoints, err := resolveEndpoints(false)(env)
		if err != nil {
			logrus.Fatalf("Failed to resolve endpoints: %+v", err)
		}
		fmt.Printf("Current User:    %s (%s)\n", identity, env)
		fmt.Printf("Messaging:       %s\n", endpoints.XMPPAddress())
		fmt.Printf("Identity:        %s\n", endpoints.IdentityURL)
		if endpoints.CABundle != "" {
			fmt.Printf("CA Bundle:       %s\n", endpoints.CABundle)
			if fingerprint, err := caFingerprint(endpoints.CABundle); err == nil {
				fmt.Printf("CA Fingerprint:  %s\n", fingerprint)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
