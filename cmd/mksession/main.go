// mksession seeds a directory user and mints a session token for it, for
// local development and smoke testing. In production, sessions are issued by
// the platform's auth subsystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/dasmygame/CyCap/internal/config"
	"github.com/dasmygame/CyCap/internal/models"
	"github.com/dasmygame/CyCap/internal/store"
	"github.com/dasmygame/CyCap/internal/token"
)

func main() {
	username := flag.String("username", "", "username for the seeded user (required)")
	firstName := flag.String("first", "", "first name")
	lastName := flag.String("last", "", "last name")
	avatarURL := flag.String("avatar", "", "avatar URL")
	userID := flag.String("user", "", "mint a token for an existing user id instead of seeding")
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	var (
		ds  store.DataStore
		err error
	)
	if cfg.DatabaseURL != "" {
		ds, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
	} else {
		ds, err = store.NewSQLiteStore(ctx, cfg.SQLitePath)
	}
	exitOnError(err)
	defer ds.Close()

	redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
	exitOnError(err)
	defer redisStore.Close()

	id := *userID
	if id == "" {
		if *username == "" {
			fmt.Fprintln(os.Stderr, "either -username (seed a new user) or -user (existing id) is required")
			os.Exit(1)
		}
		user := &models.User{
			ID:        uuid.New().String(),
			FirstName: *firstName,
			LastName:  *lastName,
			Username:  *username,
			AvatarURL: *avatarURL,
		}
		exitOnError(ds.CreateUser(ctx, user))
		id = user.ID
		fmt.Printf("user:  %s (@%s)\n", id, *username)
	} else {
		user, err := ds.GetUserByID(ctx, id)
		exitOnError(err)
		if user == nil {
			fmt.Fprintf(os.Stderr, "no user with id %s\n", id)
			os.Exit(1)
		}
	}

	tok, err := token.NewSessionToken()
	exitOnError(err)
	exitOnError(redisStore.PutSession(ctx, tok, id))

	fmt.Printf("token: %s\n", tok)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
