package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/binzume/rtccall/callog"
	"github.com/binzume/rtccall/rtccall"
)

func consoleCall(ctx context.Context, a *app, arg string) error {
	args := strings.Fields(arg)
	if len(args) == 0 {
		return errors.New("usage: call PEER_ID [audio|video]")
	}
	kind := rtccall.KindAudio
	if len(args) > 1 {
		k, err := rtccall.ParseCallKind(args[1])
		if err != nil {
			return err
		}
		kind = k
	}
	return a.client.Call(ctx, args[0], kind)
}

func consoleBlocked(ctx context.Context, a *app) error {
	uids, err := a.client.Blocked(ctx)
	if err != nil {
		return err
	}
	for _, uid := range uids {
		fmt.Println(uid)
	}
	return nil
}

func consoleProfile(ctx context.Context, a *app, arg string) error {
	uid := arg
	if uid == "" {
		uid = a.client.SelfID()
	}
	p, err := a.client.Profile(ctx, uid)
	if err != nil {
		return err
	}
	fmt.Println(uid, "\t", p.Emoji, "\t", p.DisplayName())
	return nil
}

func consoleHistory(ctx context.Context, a *app, arg string) error {
	if a.history == nil {
		return errors.New("history is disabled")
	}
	if arg == "clear" {
		return a.history.Clear()
	}
	limit := 20
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return err
		}
		limit = n
	}
	entries, err := a.history.List(limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		arrow := "->"
		if e.Direction == callog.Incoming {
			arrow = "<-"
		}
		fmt.Println(e.Started.Format("2006-01-02 15:04:05"), "\t", arrow, e.Peer, "\t", e.Kind, "\t", e.Outcome, "\t", e.Duration().Round(1e9))
	}
	return nil
}

func consoleExecCmd(ctx context.Context, a *app, cmd, arg string) error {
	c := a.client
	switch cmd {
	case "":
		return nil
	case "call":
		return consoleCall(ctx, a, arg)
	case "accept":
		return c.Accept(ctx)
	case "reject":
		return c.Reject(ctx)
	case "hangup":
		return c.Hangup(ctx)
	case "state":
		if call, ok := c.Current(); ok {
			fmt.Println(c.State(), "\t", call.Role, "\t", call.PeerID, "\t", call.Kind)
		} else {
			fmt.Println(c.State())
		}
		return nil
	case "block":
		return c.Block(ctx, arg)
	case "unblock":
		return c.Unblock(ctx, arg)
	case "blocked":
		return consoleBlocked(ctx, a)
	case "profile":
		return consoleProfile(ctx, a, arg)
	case "name":
		return c.SetProfile(ctx, rtccall.Profile{Name: arg, Emoji: a.config.Emoji})
	case "missed":
		n, err := c.MissedCalls(ctx)
		if err != nil {
			return err
		}
		fmt.Println(n)
		if arg == "reset" {
			return c.ResetMissedCalls(ctx)
		}
		return nil
	case "history":
		return consoleHistory(ctx, a, arg)
	case "?", "help":
		fmt.Println("Commands: exit, call PEER [video], accept, reject, hangup, state, block UID, unblock UID, blocked, profile [UID], name NAME, missed [reset], history [N|clear]")
		return nil
	default:
		return errors.New("No such command: " + cmd)
	}
}

func StartConsole(ctx context.Context, a *app) error {
	if err := a.client.Start(ctx); err != nil {
		return err
	}
	if a.config.DisplayName != "" || a.config.Emoji != "" {
		a.client.SetProfile(ctx, rtccall.Profile{Name: a.config.DisplayName, Emoji: a.config.Emoji})
	}

	consoleExecCmd(ctx, a, "help", "")
	lines := make(chan string)
	go func() {
		s := bufio.NewScanner(os.Stdin)
		for s.Scan() {
			lines <- s.Text()
		}
		close(lines)
	}()
	for {
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		case <-ctx.Done():
			return nil
		}
		cmd := strings.SplitN(strings.TrimSpace(line), " ", 2)
		arg := ""
		if len(cmd) > 1 {
			arg = strings.TrimSpace(cmd[1])
		}
		if cmd[0] == "exit" {
			return a.client.Hangup(context.Background())
		}
		if err := consoleExecCmd(ctx, a, cmd[0], arg); err != nil {
			fmt.Println("ERROR: ", err)
		}
	}
}
