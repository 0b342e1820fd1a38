package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mqy/minichat/client"
	"github.com/mqy/minichat/notify"
)

// The demo is a terminal chat client against a running minichat server.
//
// Commands:
//   /list             print the channel snapshot
//   /edit <id> <txt>  edit one of your messages
//   /delete <id>      delete one of your messages
//   /quit             leave
// Any other input is sent as a new message.

var (
	serverAddr  = flag.String("server", "127.0.0.1:8000", "minichat server address, ip:port")
	channelID   = flag.String("channel", "", "channel id to join")
	channelName = flag.String("channel-name", "", "channel display name")
	uid         = flag.String("uid", "", "user id")
)

// terminalPresenter prints alerts instead of raising desktop notifications.
type terminalPresenter struct{}

func (terminalPresenter) RequestPermission(ctx context.Context) (bool, error) {
	return true, nil
}

func (terminalPresenter) Present(ctx context.Context, n *notify.Notification) error {
	fmt.Printf("\n*** %s: %s\n", n.Title, n.Body)
	return nil
}

func main() {
	flag.Parse()

	if *channelID == "" || *uid == "" {
		panic("--channel and --uid are required.")
	}

	api := client.NewRestAPI("http://"+*serverAddr, *uid)
	feed := client.NewWsFeed(*serverAddr, *uid)
	dispatcher := notify.NewDispatcher(terminalPresenter{}, *uid, *channelName)

	sess, err := client.Open(context.Background(), client.Config{
		ChannelID:   *channelID,
		ChannelName: *channelName,
		UserID:      *uid,
		UserName:    *uid,
		API:         api,
		Feed:        feed,
		Dispatcher:  dispatcher,
		OnFeedDown: func(err error) {
			fmt.Printf("\n*** feed lost: %v\n", err)
		},
	})
	if err != nil {
		panic(err)
	}
	defer sess.Close()

	printSnapshot(sess)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ctx := context.Background()

		switch {
		case line == "/quit":
			return
		case line == "/list":
			printSnapshot(sess)
		case strings.HasPrefix(line, "/edit "):
			parts := strings.SplitN(line, " ", 3)
			if len(parts) < 3 {
				fmt.Println("usage: /edit <id> <text>")
				continue
			}
			if err := sess.Edit(ctx, parts[1], parts[2]); err != nil {
				fmt.Printf("edit failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/delete "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/delete "))
			if err := sess.Delete(ctx, id, true); err != nil {
				fmt.Printf("delete failed: %v\n", err)
			}
		default:
			if _, err := sess.Create(ctx, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		}
	}
}

func printSnapshot(sess *client.Session) {
	for _, m := range sess.Snapshot() {
		fmt.Printf("[%s] %s: %s\n", m.ID, m.SenderName, m.Content)
	}
}
