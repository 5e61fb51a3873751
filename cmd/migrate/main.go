package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"petition-billing/internal/config"
	"petition-billing/migrations"
	"petition-billing/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		log.Error("migration source", "err", err)
		os.Exit(1)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.PostgresURL())
	if err != nil {
		log.Error("migrate init", "err", err)
		os.Exit(1)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Warn("migrate close", "source_err", srcErr, "db_err", dbErr)
		}
	}()

	switch cmd := os.Args[1]; cmd {
	case "up":
		err = m.Up()
	case "down":
		// One step only; a full teardown must be explicit.
		err = m.Steps(-1)
	case "goto":
		if len(os.Args) < 3 {
			printUsage()
			os.Exit(2)
		}
		v, perr := strconv.ParseUint(os.Args[2], 10, 32)
		if perr != nil {
			log.Error("invalid version", "version", os.Args[2], "err", perr)
			os.Exit(2)
		}
		err = m.Migrate(uint(v))
	case "force":
		if len(os.Args) < 3 {
			printUsage()
			os.Exit(2)
		}
		v, perr := strconv.Atoi(os.Args[2])
		if perr != nil {
			log.Error("invalid version", "version", os.Args[2], "err", perr)
			os.Exit(2)
		}
		err = m.Force(v)
	case "status":
		v, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			log.Info("no migrations applied")
			return
		}
		if verr != nil {
			log.Error("migrate version", "err", verr)
			os.Exit(1)
		}
		log.Info("migration status", "version", v, "dirty", dirty)
		return
	default:
		printUsage()
		os.Exit(2)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("schema already up to date")
		return
	}
	if err != nil {
		log.Error("migration failed", "command", os.Args[1], "err", err)
		os.Exit(1)
	}
	v, dirty, _ := m.Version()
	log.Info("migration applied", "command", os.Args[1], "version", v, "dirty", dirty)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <command>")
	fmt.Fprintln(os.Stderr, "  up         apply every pending migration")
	fmt.Fprintln(os.Stderr, "  down       roll back the last migration")
	fmt.Fprintln(os.Stderr, "  goto N     migrate to version N")
	fmt.Fprintln(os.Stderr, "  force N    mark version N as clean after a failed run")
	fmt.Fprintln(os.Stderr, "  status     print the current version")
}
