// Command crewcall runs a headless call-core session: it opens the local
// store, connects a signaling bus and drives the call surface from a
// line-oriented prompt. Useful for soak-testing a deployment without the
// FormCrew UI.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/formcrew/crewcall"
	"github.com/formcrew/crewcall/internal/config"
	"github.com/formcrew/crewcall/internal/notify"
	"github.com/formcrew/crewcall/internal/roster"
	sig "github.com/formcrew/crewcall/internal/signal"
	"github.com/formcrew/crewcall/internal/signal/membus"
	"github.com/formcrew/crewcall/internal/signal/redisbus"
	"github.com/formcrew/crewcall/internal/signal/wsbus"
	"github.com/formcrew/crewcall/internal/store"
	"github.com/formcrew/crewcall/internal/store/sqlitestore"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	configDir := flag.String("config", "", "directory containing settings.toml")
	userID := flag.String("user", "", "user id (overrides identity.user_id)")
	groups := flag.String("groups", "", "comma-separated group ids this user belongs to")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("loading settings failed")
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if cfg.UserID == "" {
		log.Fatal().Msg("no user id; pass -user or set identity.user_id")
	}

	st, err := sqlitestore.Open(cfg.DataDir, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("opening store failed")
	}
	defer st.Close()

	bus, networked, err := connectBus(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting signaling bus failed")
	}
	if networked {
		relay, err := store.NewRelay(st.Feed(), bus, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("starting change-feed relay failed")
		}
		defer relay.Close()
	}

	dir := roster.NewStatic()
	if *groups != "" {
		dir.SetGroups(cfg.UserID, strings.Split(*groups, ","))
	}
	if cfg.DisplayName != "" {
		dir.SetDisplayName(cfg.UserID, cfg.DisplayName)
	}

	client := crewcall.New(cfg.UserID, st, bus, dir, crewcall.Options{
		ICEServers: cfg.ICEServers,
		InviteTTL:  cfg.InviteTTL,
		OnCallEnded: func(c store.Call) {
			fmt.Printf("\n*** call %s ended\n> ", c.ID)
		},
		OnInvitations: func(invs []notify.Invitation) {
			for _, inv := range invs {
				fmt.Printf("\n*** incoming call %s from %s in group %s (accept %s / decline %s)\n> ",
					inv.CallID, inv.InitiatorID, inv.GroupID, inv.CallID, inv.CallID)
			}
		},
	}, log.Logger)
	defer client.Close()

	log.Info().Str("user", cfg.UserID).Msg("crewcall session ready")

	go prompt(client)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("crewcall session quitting")
}

func connectBus(cfg config.Settings) (sig.Bus, bool, error) {
	switch {
	case cfg.RedisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, false, fmt.Errorf("redis ping: %w", err)
		}
		return redisbus.New(rdb, "crewcall", log.Logger), true, nil
	case cfg.RelayURL != "":
		bus, err := wsbus.Dial(context.Background(), cfg.RelayURL, log.Logger)
		return bus, true, err
	default:
		log.Warn().Msg("no transport configured, running standalone")
		return membus.New(), false, nil
	}
}

func prompt(client *crewcall.Client) {
	ctx := context.Background()
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}
		cmd, args := fields[0], fields[1:]

		var err error
		switch cmd {
		case "start":
			if len(args) != 1 {
				err = fmt.Errorf("usage: start <group>")
				break
			}
			var id string
			if id, err = client.StartCall(ctx, args[0]); err == nil {
				fmt.Printf("in call %s\n", id)
			}
		case "join":
			if len(args) != 1 {
				err = fmt.Errorf("usage: join <call>")
				break
			}
			err = client.JoinCall(ctx, args[0])
		case "accept":
			if len(args) != 1 {
				err = fmt.Errorf("usage: accept <call>")
				break
			}
			err = client.Accept(ctx, args[0])
		case "decline":
			if len(args) != 1 {
				err = fmt.Errorf("usage: decline <call>")
				break
			}
			err = client.Decline(args[0])
		case "leave":
			err = client.LeaveCall(ctx)
		case "end":
			err = client.EndCall(ctx)
		case "mute":
			fmt.Printf("muted=%v\n", client.ToggleMute())
		case "who":
			for _, p := range client.Participants() {
				fmt.Printf("  %s [%s] (joined %s)\n", p.DisplayName, p.UserID, p.JoinedAt.Format("15:04:05"))
			}
		case "streams":
			for id := range client.RemoteStreams() {
				fmt.Printf("  audio from %s\n", id)
			}
		case "pending":
			for _, inv := range client.Pending() {
				fmt.Printf("  %s from %s in %s\n", inv.CallID, inv.InitiatorID, inv.GroupID)
			}
		case "view":
			if len(args) == 1 {
				client.SetViewing(args[0])
			} else {
				client.SetViewing("")
			}
		case "quit", "exit":
			return
		default:
			err = fmt.Errorf("commands: start join accept decline leave end mute who streams pending view quit")
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
		fmt.Print("> ")
	}
}
