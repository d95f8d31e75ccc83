package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/FriendSoftwareLabs/presence-sub000/internal/account"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/client"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/config"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/identity"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/middleware"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/nml"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/registry"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/relay"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/room"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/store"
	"github.com/FriendSoftwareLabs/presence-sub000/internal/user"
)

func main() {
	cfgPath := flag.String("config", "", "directory holding presence.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)

	database, err := store.NewDatabase(cfg.DBDSN)
	if err != nil {
		log.Error("postgres connect failed", "err", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}
	log.Info("postgres ready")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Error("redis connect failed", "err", err)
		os.Exit(1)
	}
	log.Info("redis ready")

	// Auth and identities. The accounts table doubles as the identity
	// directory behind the Redis cache.
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	identities := identity.NewCache(redisClient, userService, log)

	// Durable room state.
	roomRepo := store.NewRoomRepository(database)
	msgRepo := store.NewMessageRepository(database)
	inviteRepo := store.NewInviteRepository(database)
	relationRepo := store.NewRelationRepository(database)

	worgs := registry.NewWorgCtrl(log)
	roomDeps := room.Deps{
		Timing:     cfg.Timing,
		Flags:      cfg.Workgroup,
		Log:        log,
		Identities: identities,
		Rooms:      roomRepo,
		Messages:   msgRepo,
		Invites:    inviteRepo,
		Worgs:      worgs,
		NewRelay:   relay.NewFactory(cfg.RelayCmd, nil, cfg.Timing, log),
	}
	rooms := registry.NewRoomCtrl(roomDeps, roomRepo, relationRepo)
	defer rooms.Close()

	acctDeps := account.Deps{
		Timing:     cfg.Timing,
		Log:        log,
		Identities: identities,
		Rooms:      rooms,
		RoomRows:   roomRepo,
		Relations:  relationRepo,
		Worgs:      worgs,
	}
	users := nml.NewUserCtrl(acctDeps)
	defer users.Close()
	land := nml.New(userService, users, acctDeps)
	defer land.Close()

	authMiddleware := middleware.NewAuthMiddleware(userService)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Post("/auth/register", userHandler.Register)
	r.Post("/auth/login", userHandler.Login)

	// Invite redemption: a valid token becomes a short-lived guest JWT the
	// bearer then presents over the socket.
	r.Get("/invite/{token}", func(w http.ResponseWriter, req *http.Request) {
		token := chi.URLParam(req, "token")

		// Live rooms hold their own invite ledger, and ephemeral rooms
		// hold it nowhere else. Rooms not currently live resolve through
		// the durable invite table, then their loaded ledger consumes
		// the token.
		lr, ok := rooms.RedeemInvite(req.Context(), token)
		if !ok {
			inv, err := inviteRepo.GetInvite(req.Context(), token)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if inv == nil {
				http.Error(w, "unknown invite", http.StatusNotFound)
				return
			}
			lr, err = rooms.Get(req.Context(), inv.RoomID)
			if err != nil {
				http.Error(w, "unknown invite", http.StatusNotFound)
				return
			}
			if !lr.Invite().Check(req.Context(), token) {
				http.Error(w, "unknown invite", http.StatusNotFound)
				return
			}
		}

		name := req.URL.Query().Get("name")
		if name == "" {
			name = "Guest"
		}
		guestToken, err := userService.MintGuestToken(name, lr.ID())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"token":  guestToken,
			"roomId": lr.ID(),
		})
	})

	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Debug("ws upgrade failed", "err", err)
			return
		}
		land.AddClient(client.NewWS(ws, cfg.Timing, log))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/accounts/search", userHandler.Search)
		r.Get("/api/rooms", func(w http.ResponseWriter, req *http.Request) {
			rows, err := roomRepo.GetRoomsForUser(req.Context(), middleware.AccountID(req.Context()))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(rows)
		})
	})

	// Raw TCP carries the same envelope protocol for native clients.
	tcpLn, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		log.Error("tcp listen failed", "addr", cfg.TCPAddr, "err", err)
		os.Exit(1)
	}
	go func() {
		for {
			sock, err := tcpLn.Accept()
			if err != nil {
				return
			}
			land.AddClient(client.NewTCP(sock, cfg.Timing, log))
		}
	}()
	log.Info("tcp listening", "addr", cfg.TCPAddr)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		log.Info("http listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	tcpLn.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
