package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rhuss/docstore/pkg/config"
	"github.com/rhuss/docstore/pkg/connection"
	"github.com/rhuss/docstore/pkg/docstore"
	"github.com/rhuss/docstore/pkg/document"
	"github.com/rhuss/docstore/pkg/provision"
	"github.com/rhuss/docstore/pkg/storage"
)

var importBatch int

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the primary and offset2id collections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *docstore.Store) error {
			colls := s.Collections()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\t%s\n", colls.Primary.Name, state(colls.PrimaryReused))
			fmt.Fprintf(out, "%s\t%s\n", colls.Offset2ID.Name, state(colls.Offset2IDReused))
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import documents from a JSON Lines file (- reads stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, closeFn, err := openInput(args[0])
		if err != nil {
			return err
		}
		defer closeFn()

		return withStore(cmd, func(s *docstore.Store) error {
			n, err := importDocs(cmd, s, r, importBatch)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d documents, %d stored\n", n, s.Len())
			return err
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id|#offset>...",
	Short: "Print documents by id, or by offset with a leading #",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *docstore.Store) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, arg := range args {
				var (
					doc *document.Document
					err error
				)
				if len(arg) > 1 && arg[0] == '#' {
					off, perr := strconv.Atoi(arg[1:])
					if perr != nil {
						return fmt.Errorf("invalid offset %q: %w", arg, perr)
					}
					doc, err = s.GetAt(cmd.Context(), off)
				} else {
					var docs document.Array
					docs, err = s.Get(cmd.Context(), []string{arg})
					if err == nil {
						doc = docs[0]
					}
				}
				if err != nil {
					return err
				}
				if err := enc.Encode(doc); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List document ids in offset order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s *docstore.Store) error {
			for i, id := range s.IDs() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i, id)
			}
			return nil
		})
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop the primary and offset2id collections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := connection.Acquire(ctx, cfg.Backend.Alias, cfg.Backend.Type, endpoint(cfg))
		if err != nil {
			return err
		}
		defer h.Release()

		b, err := h.Client()
		if err != nil {
			return err
		}
		if err := provision.Drop(ctx, b, &cfg.Store); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dropped %s and %s\n", cfg.Store.CollectionName, cfg.Store.Offset2IDName())
		return nil
	},
}

func init() {
	importCmd.Flags().IntVar(&importBatch, "batch", 256, "documents per insert")
}

// withStore opens the configured store, runs fn and closes the store,
// which persists the offset2id order.
func withStore(cmd *cobra.Command, fn func(*docstore.Store) error) error {
	ctx := cmd.Context()
	s, err := docstore.Open(ctx, cfg.Backend.Type, &cfg.Store,
		docstore.WithAlias(cfg.Backend.Alias),
		docstore.WithParams(cfg.Backend.Params),
	)
	if err != nil {
		return err
	}
	return errors.Join(fn(s), s.Close(ctx))
}

func endpoint(c *config.Config) storage.Endpoint {
	return storage.Endpoint{
		Host:   c.Store.Host,
		Port:   string(c.Store.Port),
		Params: c.Backend.Params,
	}
}

func state(reused bool) string {
	if reused {
		return "reused"
	}
	return "created"
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// importDocs reads one JSON document per line and extends the store in
// batches. Documents without an id get a generated one.
func importDocs(cmd *cobra.Command, s *docstore.Store, r io.Reader, batch int) (int, error) {
	if batch <= 0 {
		batch = 1
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		pending document.Array
		total   int
		line    int
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.Extend(cmd.Context(), pending); err != nil {
			return err
		}
		total += len(pending)
		pending = nil
		return nil
	}

	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		doc := &document.Document{}
		if err := json.Unmarshal(sc.Bytes(), doc); err != nil {
			return total, fmt.Errorf("line %d: %w", line, err)
		}
		if doc.ID == "" {
			doc.ID = document.NewID()
		}
		pending = append(pending, doc)
		if len(pending) >= batch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return total, err
	}
	return total, flush()
}
