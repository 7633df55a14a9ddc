package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"bulkload/application/bulkdata/domain"
	"bulkload/config"
	"bulkload/internal/app"
	"bulkload/internal/progress"

	"github.com/joho/godotenv"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cli carries what every subcommand shares.
type cli struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	configPath string
	verbose    bool
	pretty     bool

	app *app.App
}

// NewRootCommand builds the bulkctl command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	rc := &cobra.Command{
		Use:   "bulkctl",
		Short: "Analyze and load bulk record files.",
		Long: `bulkctl runs the bulk data pipelines on local files.

Records are read from CSV, JSON array or JSON-lines files and loaded into the
configured database. Settings come from the environment, an optional
bulkload.yaml file, and the flags below.
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.LoadWithFlags(c.configPath, cmd.Flags())
			if err != nil {
				return err
			}

			log := zap.NewNop()
			if c.verbose {
				if log, err = zap.NewDevelopment(); err != nil {
					return err
				}
			}

			c.app, err = app.New(cfg, log)
			return err
		},
	}

	flags := rc.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Configuration file to read from.")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "Log pipeline activity to stderr.")
	flags.BoolVar(&c.pretty, "pretty", false, "Indent JSON output.")
	flags.String("db-driver", config.DefaultDBDriver, "Database driver: sqlite or mysql.")
	flags.String("sqlite-path", config.DefaultSQLitePath, "SQLite database file.")
	flags.String("data-sources", config.DefaultDataSources, "Comma separated data sources to register.")
	flags.Int("engine-concurrency", config.DefaultEngineConcurrency, "Engine calls in flight once a load turns concurrent.")
	flags.String("info-sink", config.SinkNone, "Where ingest info goes: none, log, redis or kafka.")

	rc.AddCommand(c.newAnalyzeCommand())
	rc.AddCommand(c.newLoadCommand())
	rc.AddCommand(c.newDataSourcesCommand())

	return rc
}

func (c *cli) newAnalyzeCommand() *cobra.Command {
	var (
		mediaType string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Report the records, data sources and record ids of a file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer c.close()
			up, closeFile, err := c.openUpload(args[0], mediaType)
			if err != nil {
				return err
			}
			defer closeFile()

			analysis, err := c.app.Service.Analyze(cmd.Context(), &domain.AnalyzeRequest{
				Upload:   up,
				Progress: c.progress(watch),
			})
			if analysis != nil {
				if printErr := c.print(analysis.Snapshot()); printErr != nil && err == nil {
					err = printErr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mediaType, "media-type", "", "Declared media type; detected from the content when empty.")
	cmd.Flags().BoolVar(&watch, "watch", false, "Print progress events to stderr.")
	return cmd
}

func (c *cli) newLoadCommand() *cobra.Command {
	var (
		mediaType string
		watch     bool
		req       domain.LoadRequest
	)
	cmd := &cobra.Command{
		Use:   "load <file>",
		Short: "Load the records of a file.",
		Long: `Load every record of a file into the configured database.

Records without a DATA_SOURCE take --data-source. Sources can be renamed with
--map-data-sources '{"FROM":"TO"}' or with repeated --map-data-source values
whose first character is the separator, such as ":FROM:TO".
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer c.close()
			up, closeFile, err := c.openUpload(args[0], mediaType)
			if err != nil {
				return err
			}
			defer closeFile()

			r := req
			r.Upload = up
			r.Progress = c.progress(watch)

			result, err := c.app.Service.Load(cmd.Context(), &r)
			if result != nil {
				if printErr := c.print(result.Snapshot()); printErr != nil && err == nil {
					err = printErr
				}
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&mediaType, "media-type", "", "Declared media type; detected from the content when empty.")
	flags.BoolVar(&watch, "watch", false, "Print progress events to stderr.")
	flags.StringVarP(&req.DataSource, "data-source", "d", "", "Data source for records without one.")
	flags.StringVar(&req.MapDataSources, "map-data-sources", "", "JSON object mapping source codes to target codes.")
	flags.StringArrayVar(&req.MapDataSource, "map-data-source", nil, "Delimited mapping such as :FROM:TO; may be repeated.")
	flags.StringVar(&req.LoadID, "load-id", "", "Load identifier; generated from the file when empty.")
	flags.IntVar(&req.MaxFailures, "max-failures", 0, "Abort after this many failed or incomplete records; 0 disables.")
	return cmd
}

func (c *cli) newDataSourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data-sources [add CODE...]",
		Short: "List or register data sources.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer c.close()
			list, err := c.app.Service.DataSources(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(list)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add CODE...",
		Short: "Register data sources.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer c.close()
			list, err := c.app.Service.AddDataSources(cmd.Context(), args)
			if err != nil {
				return err
			}
			return c.print(list)
		},
	})
	return cmd
}

func (c *cli) close() {
	if c.app == nil {
		return
	}
	if err := c.app.Close(); err != nil {
		fmt.Fprintln(c.stderr, "close:", err)
	}
	c.app = nil
}

// openUpload opens path, or standard input for "-".
func (c *cli) openUpload(path, mediaType string) (domain.Upload, func(), error) {
	if path == "-" {
		return domain.Upload{Body: c.stdin, MediaType: mediaType}, func() {}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return domain.Upload{}, nil, err
	}
	up := domain.Upload{Body: f, MediaType: mediaType, FileName: filepath.Base(path)}
	if info, err := f.Stat(); err == nil {
		up.FileDate = info.ModTime()
	}
	return up, func() { f.Close() }, nil
}

// progress returns progress settings that print every event when watch is set.
func (c *cli) progress(watch bool) *domain.Progress {
	if !watch {
		return nil
	}
	return &domain.Progress{
		Sink:   &lineSink{w: c.stderr},
		State:  progress.NewState(time.Now()),
		Period: c.app.Config.ProgressPeriod(),
	}
}

func (c *cli) print(v interface{}) error {
	var (
		out []byte
		err error
	)
	if c.pretty {
		out, err = json.MarshalIndent(v, "", "  ")
	} else {
		out, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.stdout, string(out))
	return err
}

// lineSink writes each event as one JSON line.
type lineSink struct {
	w io.Writer
}

type eventLine struct {
	ID    int64       `json:"id"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func (s *lineSink) Send(ev progress.Event) error {
	out, err := json.Marshal(eventLine{ID: ev.ID, Event: string(ev.Kind), Data: ev.Data})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.w, string(out))
	return err
}
