package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/RehanRiaz5383/lmsinbox/internal/attach"
	"github.com/RehanRiaz5383/lmsinbox/internal/config"
	"github.com/RehanRiaz5383/lmsinbox/internal/model"
	"github.com/RehanRiaz5383/lmsinbox/internal/profile"
	"github.com/RehanRiaz5383/lmsinbox/internal/rest"
	"github.com/RehanRiaz5383/lmsinbox/internal/store"
	"github.com/spf13/cobra"
)

var (
	profileFlag string
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:           "inboxctl",
	Short:         "inboxctl queries and drives the LMS inbox",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	rootCmd.AddCommand(
		newConversationsCmd(),
		newMessagesCmd(),
		newSendCmd(),
		newUsersCmd(),
		newStatusCmd(),
		newUploadCmd(),
		newDownloadCmd(),
		newConfigCmd(),
		newWatchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("no usable config at %s, run `inboxctl config init` first: %w", profile.ConfigPath(), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRESTClient() (*rest.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return rest.NewClient(cfg.BaseURL, cfg.Token), nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newConversationsCmd() *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var convos []model.Conversation
			if cached {
				db, err := openCache()
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				convos, err = cachedConversations(db)
				if err != nil {
					return err
				}
			} else {
				client, err := newRESTClient()
				if err != nil {
					return err
				}
				ctx, cancel := cmdContext()
				defer cancel()
				convos, err = client.ListConversations(ctx)
				if err != nil {
					return err
				}
			}
			if jsonFlag {
				return outputJSON(convos)
			}
			for _, c := range convos {
				activity := "-"
				if c.LastActivityAt != nil {
					activity = c.LastActivityAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Printf("%-24s  %-24s  unread=%-3d  %s\n", c.ID, c.OtherParticipant.DisplayName, c.UnreadCount, activity)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "read from the local cache instead of the backend")
	return cmd
}

func newMessagesCmd() *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "List the messages of a conversation, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msgs []model.Message
			if cached {
				db, err := openCache()
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				msgs, err = cachedMessages(db, args[0])
				if err != nil {
					return err
				}
			} else {
				client, err := newRESTClient()
				if err != nil {
					return err
				}
				ctx, cancel := cmdContext()
				defer cancel()
				msgs, err = client.ListMessages(ctx, args[0])
				if err != nil {
					return err
				}
			}
			if jsonFlag {
				return outputJSON(msgs)
			}
			for _, m := range msgs {
				line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Body)
				if m.Attachment != nil {
					line += fmt.Sprintf(" (attachment: %s)", m.Attachment.DisplayName)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "read from the local cache instead of the backend")
	return cmd
}

func newSendCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> [body]",
		Short: "Send a message, optionally with a file attachment",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := ""
			if len(args) == 2 {
				body = args[1]
			}
			if body == "" && filePath == "" {
				return fmt.Errorf("nothing to send: give a body, a --file, or both")
			}

			client, err := newRESTClient()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()

			pipeline := attach.NewPipeline(client)
			if filePath != "" {
				if _, err := uploadFile(ctx, pipeline, filePath); err != nil {
					return err
				}
			}

			msg, err := client.SendMessage(ctx, args[0], body, pipeline.Draft())
			if err != nil {
				return err
			}
			pipeline.ClearDraft()
			if jsonFlag {
				return outputJSON(msg)
			}
			fmt.Printf("sent %s\n", msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path of a file to attach")
	return cmd
}

func newUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List the users you are allowed to message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRESTClient()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()

			users, err := client.ListMessageableUsers(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(users)
			}
			for _, u := range users {
				fmt.Printf("%-24s  %-24s  %-10s  %s\n", u.ID, u.DisplayName, u.Role, u.Email)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the local cache of the selected profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profileName := profile.Resolve(profileFlag)
			db, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			count, err := db.CountConversations()
			if err != nil {
				return err
			}
			unread, err := db.TotalUnread()
			if err != nil {
				return err
			}
			refreshedAt, err := db.GetState(store.StateDirectoryRefreshedAt)
			if err != nil {
				return err
			}
			if refreshedAt == "" {
				refreshedAt = "never"
			}

			if jsonFlag {
				return outputJSON(map[string]any{
					"profile":       profileName,
					"conversations": count,
					"totalUnread":   unread,
					"refreshedAt":   refreshedAt,
				})
			}
			fmt.Printf("Profile:        %s\n", profileName)
			fmt.Printf("Conversations:  %d\n", count)
			fmt.Printf("Total unread:   %d\n", unread)
			fmt.Printf("Refreshed:      %s\n", refreshedAt)
			return nil
		},
	}
}

func uploadFile(ctx context.Context, pipeline *attach.Pipeline, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if _, err := pipeline.Upload(ctx, filepath.Base(path), f, info.Size()); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file and print its attachment descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRESTClient()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()

			pipeline := attach.NewPipeline(client)
			size, err := uploadFile(ctx, pipeline, args[0])
			if err != nil {
				return err
			}
			desc := pipeline.Draft()
			if jsonFlag {
				return outputJSON(desc)
			}
			fmt.Printf("uploaded %s (%d bytes) -> %s\n", desc.DisplayName, size, desc.StoragePath)
			return nil
		},
	}
}

func newDownloadCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "download <message-id>",
		Short: "Download the attachment of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newRESTClient()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext()
			defer cancel()

			if outPath == "" {
				outPath = args[0] + ".attachment"
			}

			pipeline := attach.NewPipeline(client)
			return pipeline.RequestDownload(ctx, args[0], func(ctx context.Context, url string) error {
				return fetchToFile(ctx, url, outPath)
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "destination file (default <message-id>.attachment)")
	return cmd
}

// fetchToFile retrieves a signed download URL. The URL already embeds its
// authorization, so no bearer token is attached.
func fetchToFile(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("saved %s\n", path)
	return nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the client configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var cfg config.Config
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write " + profile.ConfigPath(),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(profile.ConfigPath(), &cfg); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", profile.ConfigPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.BaseURL, "base-url", "", "LMS backend origin, e.g. https://lms.example.com")
	cmd.Flags().StringVar(&cfg.Token, "token", "", "bearer token")
	cmd.Flags().StringVar(&cfg.UserID, "user-id", "", "authenticated user id")
	cmd.Flags().StringVar(&cfg.DefaultProfile, "default-profile", "default", "profile used when --profile is not given")
	cmd.Flags().BoolVar(&cfg.Sound, "sound", true, "audible new-message notification")
	cmd.Flags().IntVar(&cfg.RefreshDebounceMS, "refresh-debounce-ms", 0, "directory refresh coalescing window override")
	_ = cmd.MarkFlagRequired("base-url")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
