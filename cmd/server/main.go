package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"blog/internal/config"
	"blog/internal/db"
	"blog/internal/models"
	"blog/internal/server"
)

const banner = `
 _     _
| |__ | | ___   __ _
| '_ \| |/ _ \ / _' |
| |_) | | (_) | (_| |
|_.__/|_|\___/ \__, |
               |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "prune-sessions":
		err = runPruneSessions(ctx)
	case "posts":
		err = runPosts(ctx, os.Args[2:])
	case "users":
		err = runUsers(ctx)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: blog [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve            Start the web server (default)")
	fmt.Println("  prune-sessions   Delete expired sessions")
	fmt.Println("  posts [N]        List the N newest posts")
	fmt.Println("  users            List registered accounts")
}

// open loads the configuration and opens the database it names.
func open() (*config.Config, string, *sql.DB, error) {
	cfg, configPath, err := config.LoadFromEnv()
	if err != nil {
		return nil, "", nil, fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, "", nil, err
	}
	return cfg, configPath, database, nil
}

func runServe(ctx context.Context) error {
	cfg, configPath, database, err := open()
	if err != nil {
		return err
	}
	defer database.Close()

	logger := setupLogger(cfg.Logging)

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Bodies:   %s", cfg.Posts.BodyFormat)
	if cfg.Sessions.CookieSecret == "" {
		yellow.Print(" [ephemeral cookie secret]")
	}
	fmt.Println()
	fmt.Println()

	srv, err := server.New(database, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	go srv.SweepSessions(ctx, cfg.Sessions.SweepInterval)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting blog server", "config", configPath, "http_addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func runPruneSessions(ctx context.Context) error {
	cfg, _, database, err := open()
	if err != nil {
		return err
	}
	defer database.Close()

	store := models.NewSessionStore(database, models.SessionOptions{
		MaxAge:      cfg.Sessions.MaxAge,
		IdleTimeout: cfg.Sessions.IdleTimeout,
	})
	n, err := store.PruneExpired(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("    ✓ ")
	fmt.Printf("Pruned %d expired session(s)\n", n)
	return nil
}

func runPosts(ctx context.Context, args []string) error {
	cfg, _, database, err := open()
	if err != nil {
		return err
	}
	defer database.Close()

	limit := cfg.Posts.HomeLimit
	if len(args) > 0 {
		limit, err = strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid post count %q", args[0])
		}
	}

	store := models.NewPostStore(database, setupLogger(cfg.Logging))
	posts, err := store.FindByDateDescending(ctx, limit)
	if err != nil {
		return err
	}

	if len(posts) == 0 {
		fmt.Println("No posts.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	for _, p := range posts {
		cyan.Printf("%-30s ", p.Permalink)
		fmt.Printf("%s ", p.Title)
		gray.Printf("by %s, %s", p.Author, p.Date.Format("2006-01-02 15:04"))
		if len(p.Comments) > 0 {
			yellow.Printf(" [%d comments]", len(p.Comments))
		}
		fmt.Println()
	}
	return nil
}

func runUsers(ctx context.Context) error {
	cfg, _, database, err := open()
	if err != nil {
		return err
	}
	defer database.Close()

	store, err := models.NewUserStore(database, cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	users, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("No users.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, u := range users {
		cyan.Printf("%-20s ", u.Username)
		if u.Email != "" {
			fmt.Printf("%s ", u.Email)
		}
		gray.Printf("joined %s\n", u.CreatedAt.Format("2006-01-02"))
	}
	return nil
}
