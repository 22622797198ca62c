package main

import (
	"flag"
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub002/internal/cmd"
	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
	"github.com/Jasonzhangf/routecodex-sub002/internal/logging"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var login string
	var alias string
	var headless bool
	var configPath string

	flag.StringVar(&login, "login", "", "run the OAuth login flow for a provider (qwen, iflow, gemini, antigravity)")
	flag.StringVar(&alias, "alias", "", "credential alias for multi-account providers")
	flag.BoolVar(&headless, "headless", false, "shorten the OAuth callback wait for automation runs")
	flag.StringVar(&configPath, "config", "", "configuration file path")

	flag.Parse()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = path.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if cfg.LogFile != "" {
		if err = logging.ConfigureLogOutput(cfg.LogFile); err != nil {
			log.Warnf("log file output disabled: %v", err)
		}
	}

	if strings.HasPrefix(cfg.AuthDir, "~") {
		home, errHome := os.UserHomeDir()
		if errHome != nil {
			log.Fatalf("failed to get home directory: %v", errHome)
		}
		cfg.AuthDir = path.Join(home, strings.TrimPrefix(cfg.AuthDir, "~"))
	}

	if login != "" {
		cmd.DoLogin(cfg, login, alias, headless)
	} else {
		cmd.StartService(cfg, configPath)
	}
}
