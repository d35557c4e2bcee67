package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/schollz/logger"
	"github.com/spf13/pflag"

	"github.com/mariobobic/myshell/config"
	"github.com/mariobobic/myshell/remote"
	"github.com/mariobobic/myshell/shell"
)

func main() {
	var (
		configPath   string
		downloadPath string
		debug        bool
	)
	pflag.StringVar(&configPath, "config", "", "path to a myshell.yaml config file")
	pflag.StringVar(&downloadPath, "download-path", "", "directory for received files")
	pflag.BoolVar(&debug, "debug", false, "enable debug logging")
	pflag.Parse()

	if debug {
		log.SetLevel("debug")
	} else {
		log.SetLevel("warn")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
	if downloadPath != "" {
		cfg.DownloadPath = downloadPath
	}

	sess := shell.NewSession(os.Stdin, os.Stdout)
	manager := remote.NewManager(&cfg)
	remote.RegisterCommands(sess, manager)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down.")
		manager.Shutdown()
		os.Exit(0)
	}()

	fmt.Println("Welcome to MyShell. Type 'host <port>' or 'connect <host> <port>' to begin.")
	if err := sess.Run(); err != nil {
		fmt.Println("Session error:", err)
		os.Exit(1)
	}
}
