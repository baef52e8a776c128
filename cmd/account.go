package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var signUpCmd = &cobra.Command{
	Use:   "signup <username>",
	Short: "Register a new identity and store its credentials on this device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		username := args[0]
		if err := c.engine.SignUp(ctx, username); err != nil {
			logrus.Fatalf("Sign up failed: %+v", err)
		}
		c.rememberUser(username)

		if password := passwordFrom(cmd); password != "" {
			if err := c.engine.BackupKey(ctx, password); err != nil {
				logrus.Fatalf("Key backup failed: %+v", err)
			}
		}
		fmt.Printf("Signed up as %s\n", c.engine.Session().JID())
	},
}

var signInCmd = &cobra.Command{
	Use:   "signin [username]",
	Short: "Sign in with stored credentials, or restore them from a key backup",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		username := c.username()
		if len(args) == 1 {
			username = args[0]
		}
		if username == "" {
			logrus.Fatalf("No username given")
		}

		var err error
		if password := passwordFrom(cmd); password != "" {
			err = c.engine.SignInWithPassword(ctx, username, password)
		} else {
			err = c.engine.SignIn(ctx, username)
		}
		if err != nil {
			logrus.Fatalf("Sign in failed: %+v", err)
		}
		c.rememberUser(username)
		fmt.Printf("Signed in as %s\n", c.engine.Session().JID())
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload a password protected backup of the private key",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		password := passwordFrom(cmd)
		if password == "" {
			logrus.Fatalf("--%s is required", passwordFlag)
		}

		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		c.signIn(ctx)
		if err := c.engine.BackupKey(ctx, password); err != nil {
			logrus.Fatalf("Key backup failed: %+v", err)
		}
		fmt.Println("Key backup stored")
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users with credentials on this device",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		users, err := c.engine.Users()
		if err != nil {
			logrus.Fatalf("Failed to list users: %+v", err)
		}
		for _, user := range users {
			marker := " "
			if user == c.settings.LastUsername {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, user)
		}
	},
}

var deleteUserCmd = &cobra.Command{
	Use:   "delete-user <username>",
	Short: "Remove the stored credentials of a user from this device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := c.engine.DeleteUser(ctx, args[0]); err != nil {
			logrus.Fatalf("Failed to delete user: %+v", err)
		}
		if c.settings.LastUsername == args[0] {
			c.rememberUser("")
		}
		fmt.Printf("Deleted %s\n", args[0])
	},
}

// passwordFrom reads --password, falling back to SEALTALK_PASSWORD.
func passwordFrom(cmd *cobra.Command) string {
	if password, _ := cmd.Flags().GetString(passwordFlag); password != "" {
		return password
	}
	return viper.GetString(passwordFlag)
}

func init() {
	for _, cmd := range []*cobra.Command{signUpCmd, signInCmd, backupCmd} {
		cmd.Flags().String(passwordFlag, "",
			"Key backup password")
	}
	rootCmd.AddCommand(signUpCmd, signInCmd, backupCmd, usersCmd, deleteUserCmd)
}
