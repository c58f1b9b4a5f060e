// relayctl is the command line client for the spysignal relay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/ratelimit"

	"github.com/spysignal/relay/clients/go/spysignal"
)

const (
	urlFlag    = "url"
	configFlag = "config"
	ttlFlag    = "ttl"
	fileFlag   = "file"
	filesFlag  = "files"
	rateFlag   = "rate"
	countFlag  = "count"
	sinceFlag  = "since"
)

var rootCmd = &cobra.Command{
	Use:           "relayctl",
	Short:         "Command line client for the spysignal relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an identity key and register it under a username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Register(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Registered as %s (id %d)\n", resp.Username, resp.ID)
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the saved identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		if c.Token == "" {
			return spysignal.ErrNotRegistered
		}
		id := c.Identity()
		id.Token = ""
		printJSON(id)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find users by id or username fragment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hits, err := newClient().Search(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, u := range hits {
			fmt.Printf("  %d  %s\n", u.ID, u.Username)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer_id> [message...]",
	Short: "Encrypt and send a message, or a file with --file",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parseID(args[0])
		if err != nil {
			return err
		}
		c := newClient()

		if path := viper.GetString(fileFlag); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			name := filepath.Base(path)
			id, err := c.SendFile(cmd.Context(), peer, name, mime.TypeByExtension(filepath.Ext(name)), data)
			if err != nil {
				return err
			}
			fmt.Printf("Sent file %s: %d\n", name, id)
			return nil
		}

		if len(args) < 2 {
			return fmt.Errorf("nothing to send: pass a message or --%s", fileFlag)
		}
		var ttl *int
		if v := viper.GetInt(ttlFlag); v >= 0 {
			ttl = &v
		}
		id, err := c.SendMessage(cmd.Context(), peer, strings.Join(args[1:], " "), ttl)
		if err != nil {
			return err
		}
		fmt.Printf("Sent: %d\n", id)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <peer_id>",
	Short: "Show the live conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parseID(args[0])
		if err != nil {
			return err
		}
		c := newClient()

		if viper.GetBool(filesFlag) {
			files, err := c.Files(cmd.Context(), peer)
			if err != nil {
				return err
			}
			for _, f := range files {
				dir := "<-"
				if f.Outgoing {
					dir = "->"
				}
				fmt.Printf("[%s] %s %s (%d bytes)\n", f.CreatedAt.Local().Format(time.DateTime), dir, f.Filename, len(f.Data))
			}
			return nil
		}

		msgs, err := c.Messages(cmd.Context(), peer)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			ts := m.CreatedAt.Local().Format(time.DateTime)
			switch {
			case m.Outgoing:
				fmt.Printf("[%s] -> (sealed for peer)\n", ts)
			case m.Unreadable:
				fmt.Printf("[%s] <- (cannot decrypt)\n", ts)
			default:
				fmt.Printf("[%s] <- %s\n", ts, m.Text)
			}
		}
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:       "call <offer|answer|candidate|bye> <peer_id> [payload_json]",
	Short:     "Queue a call-setup signal for a peer",
	Args:      cobra.RangeArgs(2, 3),
	ValidArgs: []string{"offer", "answer", "candidate", "bye"},
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := parseID(args[1])
		if err != nil {
			return err
		}
		var payload json.RawMessage
		if len(args) == 3 {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			payload = json.RawMessage(args[2])
		}
		sig, err := newClient().SendSignal(cmd.Context(), args[0], peer, payload)
		if err != nil {
			return err
		}
		fmt.Printf("Queued %s: %d\n", sig.Type, sig.ID)
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Poll for incoming signals until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		rate := viper.GetInt(rateFlag)
		if rate <= 0 {
			rate = 1
		}
		rl := ratelimit.New(rate, ratelimit.WithoutSlack)

		ctx := cmd.Context()
		since := viper.GetInt64(sinceFlag)
		want := viper.GetInt(countFlag)
		seen := 0
		for ctx.Err() == nil {
			rl.Take()
			sigs, err := c.Poll(ctx, since)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				return err
			}
			for _, s := range sigs {
				fmt.Printf("%d  %-9s from %d  %s\n", s.ID, s.Type, s.FromID, s.Payload)
				if s.ID > since {
					since = s.ID
				}
				seen++
			}
			if want > 0 && seen >= want {
				return nil
			}
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

func init() {
	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String(urlFlag, spysignal.DefaultBaseURL, "relay server URL (env RELAY_URL)")
	rootCmd.PersistentFlags().String(configFlag, "", "identity directory (env RELAY_CONFIG, default ~/.spysignal)")
	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))

	sendCmd.Flags().Int(ttlFlag, -1, "seconds the message stays visible, -1 for no expiry")
	sendCmd.Flags().String(fileFlag, "", "send this file instead of a text message")
	readCmd.Flags().Bool(filesFlag, false, "list files instead of messages")
	listenCmd.Flags().Int(rateFlag, 1, "polls per second")
	listenCmd.Flags().Int(countFlag, 0, "exit after this many signals, 0 to run until interrupted")
	listenCmd.Flags().Int64(sinceFlag, 0, "only claim signals with an id above this")

	for _, c := range []*cobra.Command{sendCmd, readCmd, listenCmd} {
		cobra.CheckErr(viper.BindPFlags(c.Flags()))
	}

	rootCmd.AddCommand(registerCmd, whoamiCmd, searchCmd, sendCmd, readCmd,
		callCmd, listenCmd, healthCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	exitOnError(err)
}

// newClient builds a client from --url and --config, falling back to the
// RELAY_URL and RELAY_CONFIG environment.
func newClient() *spysignal.Client {
	c := spysignal.NewClient(viper.GetString(urlFlag))
	if dir := viper.GetString(configFlag); dir != "" && dir != c.ConfigDir {
		c.ConfigDir = dir
		_ = c.LoadConfig()
	}
	return c
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
