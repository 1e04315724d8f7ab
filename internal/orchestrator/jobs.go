package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/config"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiftool"
)

// absent is printed by read for files without the tag.
const absent = "-"

// job returns the function for the configured command.
func (o *Orchestrator) job() func(context.Context) error {
	args := o.config.Args
	switch o.config.Command {
	case config.CommandJSON:
		return func(ctx context.Context) error { return o.runJSON(ctx, args) }
	case config.CommandRead:
		return func(ctx context.Context) error { return o.runRead(ctx, args[0], args[1:]) }
	case config.CommandWrite:
		tag, value, _ := config.SplitAssignment(args[0])
		return func(ctx context.Context) error { return o.runWrite(ctx, tag, value, args[1:]) }
	case config.CommandBinary:
		return func(ctx context.Context) error { return o.runBinary(ctx, args[0], args[1]) }
	case config.CommandVersion, config.CommandCheck:
		return o.runVersion
	default:
		return func(context.Context) error {
			return fmt.Errorf("unknown command %q", o.config.Command)
		}
	}
}

func (o *Orchestrator) runJSON(ctx context.Context, files []string) error {
	o.total.Store(int64(len(files)))
	entries, err := o.pool.Load().JSONBatch(ctx, files)
	if err != nil {
		return err
	}
	return o.writeOutput(func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	})
}

func (o *Orchestrator) runRead(ctx context.Context, tag string, files []string) error {
	o.total.Store(int64(len(files)))

	var mu sync.Mutex
	values := make(map[string]string, len(files))
	err := o.pool.Load().Each(ctx, files, func(ctx context.Context, m *exiftool.Manager, path string) error {
		v, ok, err := m.ReadTagOptional(ctx, path, tag)
		if err != nil {
			return err
		}
		s := absent
		if ok {
			s = fmt.Sprint(v)
		}
		mu.Lock()
		values[path] = s
		mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	return o.writeOutput(func(w io.Writer) error {
		for _, f := range files {
			if _, err := fmt.Fprintf(w, "%s\t%s\n", f, values[f]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) runWrite(ctx context.Context, tag, value string, files []string) error {
	o.total.Store(int64(len(files)))

	var mu sync.Mutex
	updated := 0
	err := o.pool.Load().Each(ctx, files, func(ctx context.Context, m *exiftool.Manager, path string) error {
		res, err := m.WriteTag(ctx, path, tag, value)
		if err != nil {
			return err
		}
		mu.Lock()
		updated += res.Updated
		mu.Unlock()
		for _, w := range res.Warnings {
			o.logger.Warn("write_warning", "path", path, "tag", tag, "warning", w)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return o.writeOutput(func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%d image files updated\n", updated)
		return err
	})
}

func (o *Orchestrator) runBinary(ctx context.Context, tag, file string) error {
	o.total.Store(1)
	data, err := o.pool.Load().Next().ReadTagBinary(ctx, file, tag)
	if err != nil {
		return err
	}
	o.files.Add(1)
	return o.writeOutput(func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (o *Orchestrator) runVersion(ctx context.Context) error {
	v, err := o.pool.Load().Next().Version(ctx)
	if err != nil {
		return err
	}
	o.version = v
	return o.writeOutput(func(w io.Writer) error {
		_, err := fmt.Fprintln(w, v)
		return err
	})
}

// writeOutput sends results to stdout, or atomically replaces the -o
// file so readers never see a partial result.
func (o *Orchestrator) writeOutput(write func(io.Writer) error) error {
	if o.config.Output == "" {
		return write(o.stdout)
	}

	pending, err := renameio.NewPendingFile(o.config.Output)
	if err != nil {
		return fmt.Errorf("create pending output file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			o.logger.Debug("output_cleanup_failed", "path", o.config.Output, "error", err)
		}
	}()

	if err := write(pending); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace output file: %w", err)
	}
	o.logger.Info("output_written", "path", o.config.Output)
	return nil
}
