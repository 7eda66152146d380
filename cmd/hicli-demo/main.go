package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	flag "maunium.net/go/mauflag"

	"go.mau.fi/hicore"
	"go.mau.fi/hicore/crypt"
	"go.mau.fi/hicore/database"
	"go.mau.fi/hicore/localization"
	"go.mau.fi/hicore/mxapi"
)

var loc = localization.English{}

var wantHelp, _ = flag.MakeHelpFlag()
var homeserver = flag.MakeFull("s", "homeserver", "Homeserver URL to connect to.", "").String()
var username = flag.MakeFull("u", "username", "Account username.", "").String()
var password = flag.MakeFull("p", "password", "Account password.", "").String()
var dbPath = flag.MakeFull("d", "database", "Path to the sqlite database file.", "hicli-demo.db").String()

func main() {
	flag.SetHelpTitles(
		"hicli-demo - a minimal command-line client built on go.mau.fi/hicore.",
		"hicli-demo -s <homeserver> -u <username> -p <password>",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}
	if *homeserver == "" || *username == "" || *password == "" {
		flag.PrintHelp()
		os.Exit(1)
	}

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	db, err := database.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	homeserverURL := hicore.NormalizeHomeserverURL(*homeserver)
	api := mxapi.NewHTTPClient(homeserverURL, "hicli-demo")

	client := hicore.New("hicli-demo", api, db, crypt.Noop{}, log)
	client.BackgroundSync = true
	client.PinUnreadRooms = true

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client.OnRoomUpdate.Subscribe(func(update hicore.RoomUpdate) {
		log.Info().Str("room_id", update.RoomID.String()).Str("membership", string(update.Membership)).Msg("room updated")
	})
	client.OnEvent.Subscribe(func(update hicore.EventUpdate) {
		if update.Kind == hicore.KindTimeline {
			summary := update.Event.GetSummary(loc, client.UserID().String(), nil, false)
			log.Info().Str("room_id", update.RoomID.String()).Msg(summary)
		}
	})
	client.OnSyncError.Subscribe(func(err error) {
		log.Warn().Err(err).Msg("sync error")
	})

	if err := client.Login(ctx, homeserverURL, *username, *password); err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}

	<-ctx.Done()
	client.Dispose()
}
