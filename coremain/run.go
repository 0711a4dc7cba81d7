package coremain

import (
	"fmt"
	"os"
	"runtime"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/secdata/constant"
	"github.com/pmkol/secdata/mlog"
	"github.com/pmkol/secdata/pkg/errkind"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	c       string
	verbose bool
	output  string
}

// load reads the config and builds the logger for one command run.
func (gf *globalFlags) load() (*Config, *zap.Logger, error) {
	cfg, fileUsed, err := loadConfig(gf.c)
	if err != nil {
		return nil, nil, errkind.New(errkind.Validation, "load config", err)
	}
	if gf.verbose {
		cfg.Log.Level = "debug"
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, nil, errkind.New(errkind.Validation, "init logger", err)
	}
	if len(fileUsed) > 0 {
		lg.Debug("config loaded", zap.String("file", fileUsed))
	}
	return cfg, lg, nil
}

type serverFlags struct {
	dir       string
	cpu       int
	asService bool
}

var (
	gf      = new(globalFlags)
	rootCmd = newRootCmd(gf)
)

func newRootCmd(gf *globalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "secdata",
		Short:         "Query and compare public company filings data.",
		Version:       constant.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch gf.output {
			case outputText, outputJSON, outputYAML:
				return nil
			default:
				return errkind.Validationf("flags", "unknown output format %q, want text, json or yaml", gf.output)
			}
		},
	}
	pfs := root.PersistentFlags()
	pfs.StringVarP(&gf.c, "config", "c", "", "config file")
	pfs.BoolVarP(&gf.verbose, "verbose", "v", false, "debug logging")
	pfs.StringVarP(&gf.output, "output", "o", outputText, "output format, text, json or yaml")

	root.AddCommand(
		newServeCmd(gf),
		newCompanyInfoCmd(gf),
		newTickersCmd(gf),
		newConceptCmd(gf),
		newFactsCmd(gf),
		newFramesCmd(gf),
		newCompareCmd(gf),
		newPositionCmd(gf),
		newTopCmd(gf),
		newStatementsCmd(gf),
		newClearCacheCmd(gf),
		newServiceCmd(gf),
	)
	return root
}

func newServeCmd(gf *globalFlags) *cobra.Command {
	sf := new(serverFlags)
	cmd := &cobra.Command{
		Use:   "serve [-c config_file] [-d working_dir]",
		Short: "Serve the REST api.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{gf: gf, sf: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			return StartServer(gf, sf, nil)
		},
		DisableFlagsInUseLine: true,
	}
	fs := cmd.Flags()
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")
	return cmd
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

// Run executes the command line. A failure is printed to stderr in its
// one line form.
func Run() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, FormatError(err))
	}
	return err
}

// StartServer builds the App and serves until it is closed. started, if
// not nil, receives the App before the server starts.
func StartServer(gf *globalFlags, sf *serverFlags, started func(a *App)) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, lg, err := gf.load()
	if err != nil {
		return err
	}
	a, err := NewApp(cfg, lg)
	if err != nil {
		return err
	}
	defer a.Close()
	if started != nil {
		started(a)
	}

	if err := a.RunServer(); err != nil {
		return fmt.Errorf("server exited, %w", err)
	}
	return nil
}
