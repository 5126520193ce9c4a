package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/RehanRiaz5383/lmsinbox/internal/bus"
	"github.com/RehanRiaz5383/lmsinbox/internal/controller"
	"github.com/RehanRiaz5383/lmsinbox/internal/logging"
	"github.com/RehanRiaz5383/lmsinbox/internal/model"
	"github.com/RehanRiaz5383/lmsinbox/internal/rest"
	"github.com/RehanRiaz5383/lmsinbox/internal/transport"
	"github.com/spf13/cobra"
)

// bellNotifier rings the terminal bell for messages arriving outside the
// open conversation.
type bellNotifier struct{}

func (bellNotifier) Notify(model.Message) {
	fmt.Print("\a")
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [conversation-id]",
		Short: "Stream inbox events; with a conversation id, typed lines are sent to it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.NewQuiet()
			b := bus.New()
			client := rest.NewClient(cfg.BaseURL, cfg.Token)
			ch := transport.NewManager(transport.DeriveURL(client.BaseURL()), client.Token(), b, logger)
			defer ch.Disconnect()

			opts := controller.Options{SelfID: cfg.UserID, RefreshDebounce: cfg.RefreshDebounce()}
			if cfg.Sound {
				opts.Notifier = bellNotifier{}
			}
			ctrl := controller.New(client, ch, b, logger, opts)

			events, unsub := b.Subscribe("", 64)
			defer unsub()

			if err := ctrl.Start(ctx); err != nil {
				return err
			}
			defer ctrl.Stop()

			if len(args) == 1 {
				if err := ctrl.Open(ctx, args[0]); err != nil {
					return err
				}
				for _, m := range ctrl.Timeline().Messages() {
					printMessage(m)
				}
				go sendLoop(ctx, ctrl)
			}

			for {
				select {
				case <-ctx.Done():
					fmt.Println()
					return nil
				case evt := <-events:
					printEvent(evt)
				}
			}
		},
	}
}

// sendLoop reads stdin lines and sends each as a message to the open
// conversation.
func sendLoop(ctx context.Context, ctrl *controller.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		body := strings.TrimSpace(scanner.Text())
		if body == "" {
			continue
		}
		if _, err := ctrl.Send(ctx, body, nil); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}

func printMessage(m model.Message) {
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Body)
	if m.Attachment != nil {
		line += fmt.Sprintf(" (attachment: %s)", m.Attachment.DisplayName)
	}
	fmt.Println(line)
}

func printEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageReceived:
		if m, ok := evt.Payload.(model.Message); ok {
			printMessage(m)
		}
	case bus.KindMessageSendAck:
		if ack, ok := evt.Payload.(bus.SendAck); ok {
			fmt.Printf("-- delivered (%s)\n", ack.ConfirmedID)
		}
	case bus.KindMessageSendFailed:
		if f, ok := evt.Payload.(bus.SendFailure); ok {
			fmt.Fprintf(os.Stderr, "-- send failed: %s\n", f.Err)
		}
	case bus.KindTypingChanged:
		if ev, ok := evt.Payload.(model.TypingEvent); ok && ev.IsTyping {
			fmt.Printf("-- %s is typing\n", ev.UserID)
		}
	case bus.KindChannelConnected:
		fmt.Println("-- channel connected")
	case bus.KindChannelDisconnected:
		fmt.Println("-- channel disconnected, REST fallback active")
	case bus.KindDirectoryUpdated:
		if up, ok := evt.Payload.(bus.DirectoryUpdate); ok {
			fmt.Printf("-- %d unread\n", up.TotalUnread)
		}
	case bus.KindDirectoryRefresh:
		fmt.Println("-- directory refreshed")
	}
}
