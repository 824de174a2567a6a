package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/zhaobenny/haikugate/internal/config"
	"github.com/zhaobenny/haikugate/server/internal/auth"
	"github.com/zhaobenny/haikugate/server/internal/database"
)

func runKeys(sub, configPath string, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("Failed to load config", err)
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		fatal("Failed to open database", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fatal("Failed to run migrations", err)
	}

	switch {
	case sub == "create" && len(args) == 1:
		key, err := createKey(db, args[0], time.Now())
		if err != nil {
			fatal("Failed to create API key", err)
		}
		fmt.Printf("Created API key %q:\n%s\n", args[0], key)
		fmt.Println("Store it now; it cannot be shown again.")
	case sub == "list":
		keys, err := db.ListAPIKeys()
		if err != nil {
			fatal("Failed to list API keys", err)
		}
		printKeys(os.Stdout, keys)
	case sub == "revoke" && len(args) == 1:
		ok, err := db.DeleteAPIKey(args[0])
		if err != nil {
			fatal("Failed to revoke API key", err)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "No API key named %q\n", args[0])
			os.Exit(1)
		}
		fmt.Printf("Revoked API key %q\n", args[0])
	default:
		fmt.Fprintln(os.Stderr, "Usage: haikugate-server keys <create|list|revoke> [--config file] [name]")
		os.Exit(1)
	}
}

func createKey(db *database.DB, name string, now time.Time) (string, error) {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return "", err
	}
	if err := db.CreateAPIKey(&database.APIKey{Key: key, Name: name, CreatedAt: now}); err != nil {
		return "", err
	}
	return key, nil
}

// printKeys lists keys with their secret masked
func printKeys(w io.Writer, keys []database.APIKey) {
	if len(keys) == 0 {
		fmt.Fprintln(w, "No API keys.")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Name", "Key", "Created", "Last used"})
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Local().Format(time.DateTime)
		}
		t.AppendRow(table.Row{k.Name, maskKey(k.Key), k.CreatedAt.Local().Format(time.DateTime), lastUsed})
	}
	t.Render()
}

func maskKey(key string) string {
	if len(key) <= len(auth.KeyPrefix)+8 {
		return key
	}
	return key[:len(auth.KeyPrefix)+4] + "..." + key[len(key)-4:]
}
