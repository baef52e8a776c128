package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sealtalk/engine"
	"sealtalk/models"
	"sealtalk/storage"
)

var addContactCmd = &cobra.Command{
	Use:   "add-contact <username>",
	Short: "Add a contact after checking it exists in the key directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		c.signIn(ctx)
		if err := c.engine.AddContact(ctx, args[0]); err != nil {
			logrus.Fatalf("Failed to add contact: %+v", err)
		}
		fmt.Printf("Added %s\n", args[0])
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <contact> [text...]",
	Short: "Send an encrypted message, optionally with an attachment",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		contact := args[0]
		body := strings.Join(args[1:], " ")

		var attachment *engine.OutgoingAttachment
		if path, _ := cmd.Flags().GetString(attachFlag); path != "" {
			picture, _ := cmd.Flags().GetBool(pictureFlag)
			name, _ := cmd.Flags().GetString(nameFlag)
			attachment = &engine.OutgoingAttachment{Path: path, DisplayName: name}
			if picture {
				attachment.Type = models.AttachmentPicture
			}
		}
		if body == "" && attachment == nil {
			logrus.Fatalf("Nothing to send: give a text or --%s", attachFlag)
		}

		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		c.signIn(ctx)
		message, err := c.engine.SendMessage(ctx, contact, body, attachment)
		if err != nil {
			logrus.Fatalf("Send failed: %+v", err)
		}
		fmt.Println(formatMessage(message))
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Resend messages that failed earlier",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		c.signIn(ctx)
		count, err := c.engine.ReplayFailedMessages(ctx)
		if err != nil {
			logrus.Fatalf("Replay failed after %d messages: %+v", count, err)
		}
		fmt.Printf("Replayed %d messages\n", count)
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats with their last message and unread count",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		c.signIn(ctx)
		chats, err := c.engine.Chats()
		if err != nil {
			logrus.Fatalf("Failed to list chats: %+v", err)
		}
		for _, chat := range chats {
			fmt.Println(formatChat(chat))
		}
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages [contact]",
	Short: "Print message history, or one page of a conversation",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		c.signIn(ctx)
		var (
			messages []models.Message
			err      error
		)
		if len(args) == 1 {
			limit, _ := cmd.Flags().GetInt(limitFlag)
			offset, _ := cmd.Flags().GetInt(offsetFlag)
			messages, err = c.engine.Conversation(args[0], limit, offset)
		} else {
			messages, err = c.engine.Messages()
		}
		if err != nil {
			logrus.Fatalf("Failed to load messages: %+v", err)
		}
		for _, message := range messages {
			fmt.Println(formatMessage(message))
		}
		if len(args) == 1 {
			if err := c.engine.MarkRead(args[0]); err != nil {
				logrus.WithError(err).Warn("failed to mark chat read")
			}
		}
	},
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List the address book",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		c.signIn(ctx)
		contacts, err := c.engine.Contacts()
		if err != nil {
			logrus.Fatalf("Failed to list contacts: %+v", err)
		}
		for _, contact := range contacts {
			fmt.Printf("%s (added %s)\n", contact.Contact, contact.AddedAt.Local().Format(timeLayout))
		}
	},
}

var securityEventsCmd = &cobra.Command{
	Use:   "security-events",
	Short: "Print the security log: undecryptable messages, rejected certificates",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		c.signIn(ctx)
		severity, _ := cmd.Flags().GetString(severityFlag)
		limit, _ := cmd.Flags().GetInt(limitFlag)
		events, err := c.engine.SecurityEvents(storage.SecurityEventFilter{
			MinSeverity: storage.SecuritySeverity(severity),
			Limit:       limit,
		})
		if err != nil {
			logrus.Fatalf("Failed to read security events: %+v", err)
		}
		counts, err := c.engine.SecurityEventCounts()
		if err != nil {
			logrus.Fatalf("Failed to count security events: %+v", err)
		}
		fmt.Println(formatSecurityCounts(counts))
		for _, event := range events {
			fmt.Println(formatSecurityEvent(event))
		}
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <message-id>",
	Short: "Download and decrypt the attachment of a message",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		ctx, cancel := commandContext()
		defer cancel()

		c.signIn(ctx)
		path, err := c.engine.DownloadAttachment(ctx, args[0])
		if err != nil {
			logrus.Fatalf("Download failed: %+v", err)
		}
		fmt.Println(path)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen [contact]",
	Short: "Stay online and print incoming messages and status changes",
	Long: "Stay online and print incoming messages and status changes. " +
		"With a contact, that chat is treated as open and its messages are marked read.",
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := initClient()
		defer c.Close()

		events, unsubscribe := c.engine.Subscribe()
		defer unsubscribe()

		signInCtx, cancel := commandContext()
		c.signIn(signInCtx)
		cancel()

		if len(args) == 1 {
			if err := c.engine.SetRecipient(args[0]); err != nil {
				logrus.Fatalf("Failed to open chat: %+v", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if line := formatEvent(event); line != "" {
					fmt.Println(line)
				}
			}
		}
	},
}

func init() {
	sendCmd.Flags().String(attachFlag, "",
		"Path of a file to attach")
	sendCmd.Flags().Bool(pictureFlag, false,
		"Send the attachment as a picture with a thumbnail")
	sendCmd.Flags().String(nameFlag, "",
		"Display name of the attachment (defaults to the file name)")

	messagesCmd.Flags().Int(limitFlag, 100,
		"Page size of a conversation")
	messagesCmd.Flags().Int(offsetFlag, 0,
		"Messages to skip from the start of a conversation")

	securityEventsCmd.Flags().String(severityFlag, "",
		"Only show events of at least this severity: info, warning, critical")
	securityEventsCmd.Flags().Int(limitFlag, 100,
		"Maximum number of events")

	rootCmd.AddCommand(addContactCmd, sendCmd, replayCmd, chatsCmd, contactsCmd,
		messagesCmd, downloadCmd, listenCmd, securityEventsCmd)
}
