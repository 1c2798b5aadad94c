// Package cli implements raidctl, a terminal client for the RAID register
// that edits through the same engine as the web grid.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/config"
	"raidboard/api/internal/engine"
	"raidboard/api/internal/logging"
	"raidboard/api/internal/raid"
	"raidboard/api/internal/remote"
)

type options struct {
	apiURL  string
	token   string
	project string
	verbose bool
	noColor bool

	cfg config.Config
	log *zap.Logger
}

// session is one command's view of a project: a client, a cache loaded
// from the server and the engine writing through it.
type session struct {
	opts   *options
	client *remote.Client
	cache  *cache.Cache
	engine *engine.Engine
	out    io.Writer
}

// NewRootCmd builds the raidctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "raidctl",
		Short: "Edit a project's RAID register from the terminal",
		Long: `raidctl reads and edits the Risks, Assumptions, Issues and Dependencies
of a project. Edits are sent with the record's version; if someone changed
the record in the meantime the latest copy is reloaded and shown instead.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			if opts.apiURL == "" {
				opts.apiURL = cfg.APIURL
			}
			if opts.token == "" {
				opts.token = cfg.APIToken
			}
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			opts.log, err = logging.New(level, true)
			if err != nil {
				return err
			}
			if opts.noColor {
				color.NoColor = true
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", "", "API base URL (default $RAID_API_URL)")
	flags.StringVar(&opts.token, "token", "", "API token (default $RAID_API_TOKEN)")
	flags.StringVarP(&opts.project, "project", "p", "", "project id")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log requests")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(listCmd(opts))
	root.AddCommand(showCmd(opts))
	root.AddCommand(createCmd(opts))
	root.AddCommand(setCmd(opts))
	root.AddCommand(deleteCmd(opts))
	root.AddCommand(moveCmd(opts))
	root.AddCommand(pasteCmd(opts))
	root.AddCommand(enrichCmd(opts))
	root.AddCommand(historyCmd(opts))
	root.AddCommand(diffCmd(opts))
	root.AddCommand(watchCmd(opts))
	return root
}

// open connects and loads the project.
func (o *options) open(ctx context.Context, out io.Writer) (*session, error) {
	if strings.TrimSpace(o.project) == "" {
		return nil, fmt.Errorf("a project is required (--project)")
	}
	client := remote.New(o.apiURL, o.token, remote.WithLogger(o.log))
	c := cache.New()
	eng := engine.New(client, c, engine.Options{
		Logger:    o.log,
		NoticeTTL: o.cfg.Engine.NoticeTTL,
	})
	if err := eng.Load(ctx, o.project); err != nil {
		return nil, err
	}
	return &session{opts: o, client: client, cache: c, engine: eng, out: out}, nil
}

// record finds id in the loaded project. A unique id prefix is accepted.
func (s *session) record(id string) (raid.Record, error) {
	if record, ok := s.cache.Get(id); ok {
		return record, nil
	}
	var match raid.Record
	found := 0
	for _, candidate := range s.cache.IDs() {
		if strings.HasPrefix(candidate, id) {
			match, _ = s.cache.Get(candidate)
			found++
		}
	}
	switch found {
	case 0:
		return raid.Record{}, fmt.Errorf("no item %q in project %s", id, s.opts.project)
	case 1:
		return match, nil
	}
	return raid.Record{}, fmt.Errorf("item id %q is ambiguous", id)
}

// report prints a write result followed by any notices the engine raised.
func (s *session) report(result engine.Result, err error) error {
	switch result.Outcome {
	case engine.OutcomeSaved:
		fmt.Fprintf(s.out, "%s %s\n", okMark(), shortID(result.ID))
	case engine.OutcomeReconciled:
		fmt.Fprintf(s.out, "%s %s was changed by someone else; reloaded:\n", warnMark(), shortID(result.ID))
		printRecord(s.out, result.Record, nil)
	case engine.OutcomeStale:
		reason := ""
		if stale, ok := s.cache.Stale(result.ID); ok {
			reason = stale.Reason
		}
		fmt.Fprintf(s.out, "%s %s is out of date and could not be reloaded: %s\n", errMark(), shortID(result.ID), reason)
	}
	for _, notice := range s.engine.Notices().Active() {
		if notice.Kind == engine.NoticeError {
			fmt.Fprintf(s.out, "%s %s\n", errMark(), notice.Message)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", engine.Kind(err), err)
	}
	return nil
}
