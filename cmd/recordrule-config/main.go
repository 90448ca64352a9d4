package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/recordrule"
	"github.com/oarkflow/recordrule/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("recordrule-config - Rule bundle tool for recordrule")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  recordrule-config convert <input> <output>   - Convert between formats")
	fmt.Println("  recordrule-config validate <file>            - Validate a rule bundle")
	fmt.Println("  recordrule-config stats <file>               - Show bundle statistics")
	fmt.Println("  recordrule-config apply <file> <sqlite-db>   - Load a bundle into a sqlite rule store")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: recordrule-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading bundle: %v\n", err)
		os.Exit(1)
	}
	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving bundle: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: recordrule-config validate <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid bundle: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid bundle: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Bundle is valid")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Rules:   %d\n", len(cfg.Rules))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: recordrule-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading bundle: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Rule Bundle Statistics")
	fmt.Println("======================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Printf("Default deny: %v\n", cfg.Engine.DefaultDeny)
	fmt.Println()

	entities := make(map[string]int)
	global := 0
	plugins := make(map[string]int)
	predicates := 0
	for _, r := range cfg.Rules {
		entities[r.EntityName]++
		if r.Global {
			global++
		}
		if r.PluginID != "" {
			plugins[r.PluginID]++
		}
		predicates += len(r.Domain)
	}

	fmt.Println("Rules:")
	fmt.Printf("  Total:        %d\n", len(cfg.Rules))
	fmt.Printf("  Global:       %d\n", global)
	fmt.Printf("  Group-scoped: %d\n", len(cfg.Rules)-global)
	fmt.Printf("  Entities:     %d\n", len(entities))
	if len(cfg.Rules) > 0 {
		fmt.Printf("  Avg predicates per rule: %.1f\n", float64(predicates)/float64(len(cfg.Rules)))
	}
	if len(plugins) > 0 {
		fmt.Println()
		fmt.Println("Plugin rules:")
		for plugin, count := range plugins {
			fmt.Printf("  %s: %d\n", plugin, count)
		}
	}
}

func handleApply() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: recordrule-config apply <file> <sqlite-db>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading bundle: %v\n", err)
		os.Exit(1)
	}

	sqlDB, err := sql.Open("sqlite", os.Args[3])
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "recordrule")

	if err := stores.Migrate(db); err != nil {
		fmt.Printf("Error migrating database: %v\n", err)
		os.Exit(1)
	}

	engine := recordrule.NewEngine(stores.NewSQLRuleStore(db))
	if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
		fmt.Printf("Error applying bundle: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Bundle applied successfully")
	fmt.Printf("  Rules loaded: %d\n", len(cfg.Rules))
}

func loadConfig(filename string) (*recordrule.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	loader := recordrule.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
}

func saveConfig(cfg *recordrule.Config, filename string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = recordrule.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
