package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/propauthz"
	"github.com/oarkflow/propauthz/logger"
	"github.com/oarkflow/propauthz/stores"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("propauthz-config - Configuration tool for propauthz")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  propauthz-config convert <input> <output>                      - Convert between formats")
	fmt.Println("  propauthz-config validate <file>                               - Validate configuration")
	fmt.Println("  propauthz-config stats <file>                                  - Show configuration statistics")
	fmt.Println("  propauthz-config apply <file>                                  - Seed the database (PROPAUTHZ_DB_DRIVER, PROPAUTHZ_DB_DSN)")
	fmt.Println("  propauthz-config check <file> <user> <org> <object> <action> [object-id] - Explain one decision")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
	fmt.Println("Supported drivers: sqlite (default), postgres")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: propauthz-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := propauthz.NewConfigLoader().LoadFile(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: propauthz-config validate <file>")
		os.Exit(1)
	}

	cfg, err := propauthz.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("Invalid configuration:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("  - %s\n", line)
		}
		os.Exit(1)
	}

	s := cfg.Stats()
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Plans: %d\n", s.Plans)
	fmt.Printf("  Global profiles: %d\n", s.GlobalProfiles)
	fmt.Printf("  Organizations: %d\n", s.Organizations)
	fmt.Printf("  Users: %d\n", s.Users)
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: propauthz-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := propauthz.NewConfigLoader().LoadFile(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	s := cfg.Stats()
	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Plans:            %d\n", s.Plans)
	fmt.Printf("  Global profiles:  %d\n", s.GlobalProfiles)
	fmt.Printf("  Organizations:    %d\n", s.Organizations)
	fmt.Printf("  Org profiles:     %d\n", s.OrgProfiles)
	fmt.Printf("  Permission rows:  %d\n", s.PermissionRows)
	fmt.Printf("  Users:            %d\n", s.Users)
	fmt.Printf("  Unassigned users: %d\n", s.UnassignedUsers)
	fmt.Printf("  Super-admins:     %d\n", s.SuperAdmins)
	fmt.Println()

	if len(cfg.Plans) > 0 {
		fmt.Println("Plans:")
		for _, p := range cfg.Plans {
			fmt.Printf("  %-12s lots=%s users=%s extranet=%s features=%d\n",
				p.Name, p.Limits.Lots, p.Limits.Users, p.Limits.ExtranetTenants, len(p.EnabledFeatures()))
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Permission cache TTL:   %s\n", cfg.Engine.PermissionCacheTTLDuration())
	fmt.Printf("  Super-admin cache TTL:  %s\n", cfg.Engine.SuperAdminCacheTTLDuration())
	fmt.Printf("  Entitlement cache TTL:  %s\n", cfg.Engine.EntitlementCacheTTLDuration())
	fmt.Printf("  Audit buffer:           %d\n", cfg.Engine.AuditBuffer)
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: propauthz-config apply <file>")
		os.Exit(1)
	}

	cfg, err := propauthz.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	db, sqlDB, err := openDB(getenv("PROPAUTHZ_DB_DRIVER", "sqlite"), getenv("PROPAUTHZ_DB_DSN", "propauthz.db"))
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	st, err := stores.NewSQLStores(db)
	if err != nil {
		fmt.Printf("Error creating stores: %v\n", err)
		os.Exit(1)
	}
	engine, err := propauthz.NewEngine(st, propauthz.WithEngineConfig(cfg.Engine), propauthz.WithLogger(logger.NewPhusluLogger()))
	if err != nil {
		fmt.Printf("Error creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	s := cfg.Stats()
	fmt.Printf("Configuration applied successfully\n")
	fmt.Printf("  Plans loaded: %d\n", s.Plans)
	fmt.Printf("  Profiles loaded: %d\n", s.GlobalProfiles+s.OrgProfiles)
	fmt.Printf("  Organizations loaded: %d\n", s.Organizations)
	fmt.Printf("  Users loaded: %d\n", s.Users)
}

// handleCheck seeds an in-memory engine with the file and explains one decision.
func handleCheck() {
	if len(os.Args) < 7 {
		fmt.Println("Usage: propauthz-config check <file> <user> <org> <object> <action> [object-id]")
		os.Exit(1)
	}

	cfg, err := propauthz.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	t, err := propauthz.ParseObjectType(os.Args[5])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	a, err := propauthz.ParseAction(os.Args[6])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	mem := stores.NewMemory()
	engine, err := propauthz.NewEngine(mem.Stores(), propauthz.WithEngineConfig(cfg.Engine))
	if err != nil {
		fmt.Printf("Error creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	p := propauthz.Principal{UserID: os.Args[3], OrganizationID: os.Args[4]}
	var d *propauthz.Decision
	if len(os.Args) > 7 {
		d, err = engine.ExplainInstance(ctx, p, t, os.Args[7], a)
	} else {
		d, err = engine.Explain(ctx, p, t, a)
	}
	if err != nil {
		fmt.Printf("Invalid request: %v\n", err)
		os.Exit(1)
	}

	verdict := "DENY"
	if d.Allowed {
		verdict = "ALLOW"
	}
	fmt.Printf("%s %s on %s: %s (%s, tier %s)\n", verdict, a, t, d.Reason, p.UserID, d.Tier)
	if d.UpgradeRequired() {
		fmt.Printf("  Upgrade required: plan %s does not include %s\n", d.PlanName, d.Feature)
	}
	for _, line := range d.Trace {
		fmt.Printf("  %s\n", line)
	}
}

func saveConfig(cfg *propauthz.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

func openDB(driver, dsn string) (*squealx.DB, *sql.DB, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, nil, fmt.Errorf("unsupported driver: %s", driver)
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	db := squealx.NewDb(sqlDB, driver, "propauthz")
	if err := stores.Migrate(db); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return db, sqlDB, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
