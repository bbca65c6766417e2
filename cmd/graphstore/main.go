// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/poiesic/graphstore"
	"github.com/poiesic/graphstore/serializer"
	"github.com/poiesic/graphstore/storage"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func nameFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "name",
		Aliases:  []string{"n"},
		Usage:    "Storage name",
		Required: true,
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "graphstore",
		Usage: "Administer graph storages kept in a directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "Directory holding the storages (overrides the config file)",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List the storages in the directory",
				Action: listCommand,
			},
			{
				Name:   "info",
				Usage:  "Show the metadata of a storage, creating it if needed",
				Action: infoCommand,
				Flags:  []cli.Flag{nameFlag()},
			},
			{
				Name:   "keys",
				Usage:  "List the document keys of a storage",
				Action: keysCommand,
				Flags: []cli.Flag{
					nameFlag(),
					&cli.StringFlag{
						Name:  "prefix",
						Usage: "Only list keys starting with prefix",
					},
				},
			},
			{
				Name:   "backup",
				Usage:  "Write a compressed archive of a storage",
				Action: backupCommand,
				Flags:  []cli.Flag{nameFlag()},
			},
			{
				Name:   "restore",
				Usage:  "Replace the content of a storage with an archive",
				Action: restoreCommand,
				Flags: []cli.Flag{
					nameFlag(),
					&cli.StringFlag{
						Name:  "file",
						Usage: "Path to an archive file",
					},
					&cli.StringFlag{
						Name:  "archive",
						Usage: "Name of an archive in the backup destination",
					},
				},
			},
			{
				Name:   "compact",
				Usage:  "Reclaim space of deleted documents",
				Action: compactCommand,
				Flags:  []cli.Flag{nameFlag()},
			},
			{
				Name:   "maintain",
				Usage:  "Back up and compact every storage that is due",
				Action: maintainCommand,
			},
			{
				Name:   "delete",
				Usage:  "Delete a storage and its directory",
				Action: deleteCommand,
				Flags:  []cli.Flag{nameFlag()},
			},
		},
	}
}

// openManager builds the manager from the global flags. Storages are opened
// without maintenance; the maintain command runs it explicitly.
func openManager(c *cli.Context) (*graphstore.Manager, error) {
	cfg := graphstore.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := graphstore.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	dir := c.String("dir")
	if dir == "" {
		dir = cfg.Dir
	}
	if dir == "" {
		return nil, errors.New("storage directory is required: use --dir or set dir in the config file")
	}

	m, err := graphstore.NewManager(dir, serializer.NewRegistry(),
		graphstore.WithConfig(cfg),
		graphstore.WithLogger(slog.Default()),
		graphstore.WithMaintainOnOpen(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage directory: %w", err)
	}
	return m, nil
}

// withStorage opens the storage named by --name and runs fn on it.
func withStorage(c *cli.Context, fn func(ctx context.Context, s *graphstore.Storage) error) error {
	m, err := openManager(c)
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := m.Open(c.String("name"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	return fn(c.Context, s)
}

func listCommand(c *cli.Context) error {
	m, err := openManager(c)
	if err != nil {
		return err
	}
	defer m.Close()

	names, err := m.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(c.App.Writer, name)
	}
	return nil
}

func infoCommand(c *cli.Context) error {
	return withStorage(c, func(ctx context.Context, s *graphstore.Storage) error {
		info := s.Info()
		w := c.App.Writer
		fmt.Fprintf(w, "Name:          %s\n", info.Name)
		fmt.Fprintf(w, "Version:       %s\n", info.Version)
		fmt.Fprintf(w, "Last modified: %s\n", info.LastModified.Format(time.RFC3339))
		fmt.Fprintf(w, "Last backup:   %s\n", info.LastBackup.Format(time.RFC3339))
		fmt.Fprintf(w, "Last cleanup:  %s\n", info.LastCleanup.Format(time.RFC3339))
		return nil
	})
}

func keysCommand(c *cli.Context) error {
	return withStorage(c, func(ctx context.Context, s *graphstore.Storage) error {
		return s.DocumentStore().View(ctx, func(tx storage.Txn) error {
			keys, err := tx.Keys(c.String("prefix"))
			if err != nil {
				return err
			}
			for _, key := range keys {
				doc, err := tx.Get(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s\t%s\n", key, doc.Type)
			}
			return nil
		})
	})
}

func backupCommand(c *cli.Context) error {
	return withStorage(c, func(ctx context.Context, s *graphstore.Storage) error {
		location, err := s.Backup(ctx)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Fprintln(c.App.Writer, location)
		return nil
	})
}

func restoreCommand(c *cli.Context) error {
	file, archive := c.String("file"), c.String("archive")
	if (file == "") == (archive == "") {
		return errors.New("exactly one of --file or --archive is required")
	}

	return withStorage(c, func(ctx context.Context, s *graphstore.Storage) error {
		if archive != "" {
			if err := s.RestoreArchive(ctx, archive); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			return nil
		}

		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := s.Restore(ctx, f); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		return nil
	})
}

func compactCommand(c *cli.Context) error {
	return withStorage(c, func(ctx context.Context, s *graphstore.Storage) error {
		if err := s.Compact(ctx); err != nil {
			return fmt.Errorf("compaction failed: %w", err)
		}
		return nil
	})
}

func maintainCommand(c *cli.Context) error {
	m, err := openManager(c)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.MaintainAll(c.Context); err != nil {
		return fmt.Errorf("maintenance failed: %w", err)
	}
	return nil
}

func deleteCommand(c *cli.Context) error {
	m, err := openManager(c)
	if err != nil {
		return err
	}
	defer m.Close()

	return m.Delete(c.String("name"))
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
