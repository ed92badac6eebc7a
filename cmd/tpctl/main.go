package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "tradepost/internal/cli"
	"tradepost/internal/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "tpctl",
		Short:        "Tradepost market client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newHelloCmd(&apiBase),
		newByeCmd(&apiBase),
		newBalanceCmd(&apiBase),
		newMessagesCmd(&apiBase),
		newMarketCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newHelloCmd(apiBase *string) *cobra.Command {
	var name, trainerID string
	c := &cobra.Command{
		Use:   "hello",
		Short: "Connect and save a session (reuses the stored account token)",
		RunE: func(cmd *cobra.Command, args []string) error {
			prev, _ := cl.LoadSession()
			if name == "" {
				name = prev.Name
			}
			if name == "" {
				return fmt.Errorf("--name is required on first hello")
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).Hello(ctx, prev.Token, name, trainerID)
			if err != nil {
				return err
			}
			sess := cl.Session{
				Token: str(out["token"]),
				SID:   str(out["sid"]),
				UUID:  str(out["uuid"]),
				Name:  name,
			}
			if err := cl.SaveSession(sess); err != nil {
				return err
			}
			success.Printf("connected as %s\n", name)
			accent.Printf("balance: %v coins\n", out["balance"])
			return nil
		},
	}
	c.Flags().StringVar(&name, "name", "", "display name")
	c.Flags().StringVar(&trainerID, "trainer", "", "trainer id")
	return c
}

func newByeCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "bye",
		Short: "Disconnect and forget the local session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sess, err := cl.LoadSession(); err == nil {
				ctx, cancel := cmdContext(cmd)
				defer cancel()
				if err := newClient(apiBase).Bye(ctx, sess.SID); err != nil {
					warn.Printf("server disconnect failed: %v\n", err)
				}
			}
			if err := cl.ClearSession(); err != nil {
				return err
			}
			success.Println("session cleared")
			return nil
		},
	}
}

func newBalanceCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show current coin balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).Balance(ctx, sess.SID)
			if err != nil {
				return err
			}
			accent.Printf("%v coins\n", out["balance"])
			return nil
		},
	}
}

func newMessagesCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "messages",
		Short: "Drain queued server pushes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).Messages(ctx, sess.SID)
			if err != nil {
				return err
			}
			msgs, _ := out["messages"].([]any)
			if len(msgs) == 0 {
				warn.Println("no messages")
				return nil
			}
			for _, m := range msgs {
				fmt.Println(m)
			}
			return nil
		},
	}
}

func newMarketCmd(apiBase *string) *cobra.Command {
	market := &cobra.Command{
		Use:   "market",
		Short: "Global market operations",
	}

	var since int64
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List market offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).MarketSnapshot(ctx, sess.SID, since)
			if err != nil {
				return err
			}
			printSnapshot(out)
			return nil
		},
	}
	ls.Flags().Int64Var(&since, "since", 0, "last synced revision (0 = full)")

	var price int64
	var coins int64
	var items []string
	var ttl string
	sell := &cobra.Command{
		Use:   "sell",
		Short: "List items and/or coins for sale",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			payload := map[string]any{}
			if coins > 0 {
				payload["coins"] = coins
			}
			var stacks []map[string]any
			for _, spec := range items {
				id, qty, err := parseItem(spec)
				if err != nil {
					return err
				}
				stacks = append(stacks, map[string]any{"id": id, "qty": qty})
			}
			if len(stacks) > 0 {
				payload["items"] = stacks
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).MarketList(ctx, sess.SID, payload, price, ttl)
			if err != nil {
				return err
			}
			success.Printf("listed: %v\n", out["listing"])
			return nil
		},
	}
	sell.Flags().Int64Var(&price, "price", 0, "asking price in coins")
	sell.Flags().Int64Var(&coins, "coins", 0, "coins included in the payload")
	sell.Flags().StringArrayVar(&items, "item", nil, "item as id:qty, repeatable")
	sell.Flags().StringVar(&ttl, "ttl", "", "listing lifetime, e.g. 24h (empty = server default)")

	buy := &cobra.Command{
		Use:   "buy <listing-id>",
		Short: "Buy a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad listing id %q", args[0])
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).MarketBuy(ctx, sess.SID, id)
			if err != nil {
				return err
			}
			success.Printf("bought: %v\n", out["payload"])
			accent.Printf("balance: %v coins\n", out["balance"])
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <listing-id>",
		Short: "Cancel your own listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad listing id %q", args[0])
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).MarketCancel(ctx, sess.SID, id)
			if err != nil {
				return err
			}
			success.Printf("returned: %v\n", out["payload"])
			return nil
		},
	}

	market.AddCommand(ls, sell, buy, cancelCmd)
	return market
}

func printSnapshot(out map[string]any) {
	accent.Printf("revision %v\n", out["revision"])
	rows, _ := out["listings"].([]any)
	if rows == nil {
		rows, _ = out["added"].([]any)
	}
	if len(rows) == 0 {
		warn.Println("market is empty")
		return
	}
	for _, row := range rows {
		m, _ := row.(map[string]any)
		if m == nil {
			continue
		}
		fmt.Printf("#%v  %s  %v coins  by %s\n", m["id"], str(m["desc"]), m["price"], str(m["seller_name"]))
	}
}

func parseItem(spec string) (string, int, error) {
	parts := strings.SplitN(spec, ":", 2)
	if parts[0] == "" {
		return "", 0, fmt.Errorf("item %q: want id:qty", spec)
	}
	if len(parts) == 1 {
		return parts[0], 1, nil
	}
	qty, err := strconv.Atoi(parts[1])
	if err != nil || qty <= 0 {
		return "", 0, fmt.Errorf("item %q: want id:qty", spec)
	}
	return parts[0], qty, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
