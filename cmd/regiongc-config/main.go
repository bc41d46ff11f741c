// Command regiongc-config creates, inspects and edits heap configuration
// files.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/orizon-lang/regiongc/internal/cli"
	"github.com/orizon-lang/regiongc/internal/config"
)

func main() {
	var (
		showVersion bool
		showHelp    bool
		jsonOutput  bool
		configFile  string
		initFile    bool
		validate    bool
		show        bool
		ergonomic   bool
		list        bool
		set         string
		get         string
		unset       string
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showHelp, "help", false, "show help information")
	flag.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flag.StringVar(&configFile, "config", "regiongc.json", "configuration file path")
	flag.BoolVar(&initFile, "init", false, "write a configuration file with the default options")
	flag.BoolVar(&validate, "validate", false, "validate configuration file")
	flag.BoolVar(&show, "show", false, "show current configuration")
	flag.BoolVar(&ergonomic, "ergonomic", false, "with --show, fill in the options chosen at heap startup")
	flag.BoolVar(&list, "list", false, "list option names")
	flag.StringVar(&set, "set", "", "set option value (name=value)")
	flag.StringVar(&get, "get", "", "get option value by name")
	flag.StringVar(&unset, "unset", "", "reset option to its default value")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Heap configuration manager.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s --init                          # Write defaults\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --show --ergonomic              # Show effective options\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --set max_heap_size=1g          # Grow the heap\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --get pause_time_goal_ms        # Read one option\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --validate                      # Validate config\n", os.Args[0])
	}

	flag.Parse()

	switch {
	case showHelp:
		flag.Usage()
	case showVersion:
		cli.PrintVersion("regiongc Config Manager", jsonOutput)
	case list:
		for _, name := range config.Options() {
			fmt.Println(name)
		}
	case initFile:
		if err := initConfig(configFile); err != nil {
			cli.ExitWithError("Failed to initialize config: %v", err)
		}
		fmt.Printf("Configuration initialized: %s\n", configFile)
	case validate:
		if err := validateConfig(configFile); err != nil {
			cli.ExitWithError("Configuration validation failed: %v", err)
		}
		fmt.Printf("Configuration is valid: %s\n", configFile)
	case show:
		cfg, err := config.Load(configFile)
		if err != nil {
			cli.ExitWithError("Failed to load config: %v", err)
		}
		if ergonomic {
			cfg.ApplyErgonomics()
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
		} else {
			showConfigHuman(cfg)
		}
	case set != "":
		if err := setConfigValue(configFile, set); err != nil {
			cli.ExitWithError("Failed to set config value: %v", err)
		}
		fmt.Printf("Configuration updated: %s\n", configFile)
	case get != "":
		value, err := getConfigValue(configFile, get)
		if err != nil {
			cli.ExitWithError("Failed to get config value: %v", err)
		}
		fmt.Println(value)
	case unset != "":
		if err := unsetConfigValue(configFile, unset); err != nil {
			cli.ExitWithError("Failed to unset config value: %v", err)
		}
		fmt.Printf("Configuration updated: %s\n", configFile)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func initConfig(configFile string) error {
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("configuration file already exists: %s", configFile)
	}
	cfg := config.Default()
	return config.Save(configFile, &cfg)
}

func validateConfig(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg.ApplyErgonomics()
	return cfg.Validate()
}

func showConfigHuman(cfg *config.HeapConfig) {
	for _, name := range config.Options() {
		v, err := cfg.Get(name)
		if err != nil {
			continue
		}
		fmt.Printf("  %-40s %s\n", name, v)
	}
}

// setConfigValue applies name=value and refuses to write a file that would
// not validate
func setConfigValue(configFile, keyValue string) error {
	name, value, ok := strings.Cut(keyValue, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", keyValue)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Set(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
		return err
	}
	if err := checkEffective(*cfg); err != nil {
		return err
	}
	return config.Save(configFile, cfg)
}

func getConfigValue(configFile, name string) (string, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", err
	}
	return cfg.Get(name)
}

func unsetConfigValue(configFile, name string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	def := config.Default()
	v, err := def.Get(name)
	if err != nil {
		return err
	}
	if err := cfg.Set(name, v); err != nil {
		return err
	}
	return config.Save(configFile, cfg)
}

// checkEffective validates cfg as the heap would see it at startup
func checkEffective(cfg config.HeapConfig) error {
	cfg.ApplyErgonomics()
	return cfg.Validate()
}
