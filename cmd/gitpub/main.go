package main

import (
	"context"
	"fmt"
	"os"

	"github.com/eringen/gitpub"
	"github.com/eringen/gitpub/tokens"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(configArg()); err != nil {
			fatal(err)
		}
	case "init-db":
		if err := runInitDB(configArg()); err != nil {
			fatal(err)
		}
	case "set-password":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: gitpub set-password <config.yml> <password>")
			os.Exit(1)
		}
		if err := runSetSetting(os.Args[2], "password", os.Args[3]); err != nil {
			fatal(err)
		}
	case "set-profile":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: gitpub set-profile <config.yml> <profile-url>")
			os.Exit(1)
		}
		if err := runSetSetting(os.Args[2], "owner_profile", os.Args[3]); err != nil {
			fatal(err)
		}
	case "version":
		fmt.Printf("gitpub %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func configArg() string {
	if len(os.Args) >= 3 {
		return os.Args[2]
	}
	return gitpub.EnvOr("GITPUB_CONFIG", "gitpub.yml")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runServe(configPath string) error {
	cfg, err := gitpub.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = gitpub.MustEnv("GITPUB_SESSION_SECRET")
	}
	app := gitpub.New(cfg, builtinViews())
	defer app.Close()
	return app.Start()
}

func runInitDB(configPath string) error {
	cfg, err := gitpub.LoadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := tokens.NewStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Printf("initialized %s\n", cfg.DatabasePath)
	return nil
}

func runSetSetting(configPath, key, value string) error {
	cfg, err := gitpub.LoadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := tokens.NewStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SetSetting(context.Background(), key, value); err != nil {
		return err
	}
	fmt.Printf("set %s\n", key)
	return nil
}

func printUsage() {
	fmt.Println(`gitpub - Micropub server for git-backed static sites

Usage:
  gitpub <command> [arguments]

Commands:
  serve [config.yml]                 Start the server
  init-db [config.yml]               Create the auth database
  set-password <config.yml> <pw>     Store the owner login password
  set-profile <config.yml> <url>     Store the owner profile URL
  version                            Print the gitpub version
  help                               Show this help message

The config path defaults to $GITPUB_CONFIG, then gitpub.yml.`)
}
